package repo

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/signererr"
)

// snapshot is the on-disk JSON shape of a Memory store, written with the
// same write-to-temp-then-rename discipline the teacher's FileTxStore
// used for its single TxState map, generalized here to every entity.
// Map keys typed as fixed-size byte arrays or structs (BitcoinBlockHash,
// StacksBlockID, Outpoint, RoundID) cannot serialize as JSON object keys,
// so those entities round-trip as slices; each value already carries its
// own key field.
type snapshot struct {
	SignerSets map[uint64]*models.SignerSet `json:"signer_sets"`
	BtcBlocks  []*models.BitcoinBlock       `json:"bitcoin_blocks"`
	StxBlocks  []*models.StacksBlock        `json:"stacks_blocks"`
	Deposits   []*models.DepositRequest     `json:"deposits"`
	Withdraws  map[uint64]*models.WithdrawalRequest `json:"withdrawals"`
	DkgShares  map[uint64]*models.DkgShares `json:"dkg_shares"`
	Rounds     []*models.SigningRound       `json:"signing_rounds"`
	Sweeps     []*models.SweepPackage       `json:"sweep_packages"`
}

// SaveSnapshot atomically writes the store's contents to path, every
// entity except signer decisions (a store restored by LoadSnapshot starts
// with none), for
// recovery across process restarts when no external database is
// configured (spec §6 Database collaborator is optional in single-node
// deployments).
func (m *Memory) SaveSnapshot(path string) error {
	m.mu.RLock()
	snap := snapshot{
		SignerSets: m.signerSets,
		Withdraws:  m.withdraws,
		DkgShares:  m.dkgShares,
		Sweeps:     m.sweeps,
	}
	for _, b := range m.btcBlocks {
		snap.BtcBlocks = append(snap.BtcBlocks, b)
	}
	for _, b := range m.stxBlocks {
		snap.StxBlocks = append(snap.StxBlocks, b)
	}
	for _, d := range m.deposits {
		snap.Deposits = append(snap.Deposits, d)
	}
	for _, r := range m.rounds {
		snap.Rounds = append(snap.Rounds, r)
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return signererr.NewFatal(signererr.ErrCodeStoreCorrupt, "failed to marshal store snapshot", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return signererr.NewFatal(signererr.ErrCodeStoreCorrupt, "failed to create snapshot directory", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return signererr.NewFatal(signererr.ErrCodeStoreCorrupt, "failed to write snapshot", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return signererr.NewFatal(signererr.ErrCodeStoreCorrupt, "failed to finalize snapshot", err)
	}
	return nil
}

// LoadSnapshot restores a store previously written by SaveSnapshot. A
// missing file is not an error: the store simply starts empty.
func LoadSnapshot(path string) (*Memory, error) {
	m := NewMemory()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, signererr.NewFatal(signererr.ErrCodeStoreCorrupt, "failed to read snapshot", err)
	}
	if len(data) == 0 {
		return m, nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, signererr.NewFatal(signererr.ErrCodeStoreCorrupt, "failed to parse snapshot", err)
	}

	if snap.SignerSets != nil {
		m.signerSets = snap.SignerSets
	}
	for _, b := range snap.BtcBlocks {
		m.btcBlocks[b.Hash] = b
	}
	for _, b := range snap.StxBlocks {
		m.stxBlocks[b.ID] = b
	}
	for _, d := range snap.Deposits {
		m.deposits[d.Outpoint] = d
	}
	if snap.Withdraws != nil {
		m.withdraws = snap.Withdraws
	}
	if snap.DkgShares != nil {
		m.dkgShares = snap.DkgShares
	}
	for _, r := range snap.Rounds {
		m.rounds[r.ID] = r
	}
	m.sweeps = snap.Sweeps

	return m, nil
}
