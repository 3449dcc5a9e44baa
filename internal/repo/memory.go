package repo

import (
	"sort"
	"sync"
	"time"

	"github.com/stacks-network/sbtc-signer/internal/models"
)

// Memory implements Store with guarded maps, the same RWMutex-per-store
// discipline the teacher's MemoryTxStore used for its one entity,
// generalized here to one map per entity in the Data Model.
type Memory struct {
	mu sync.RWMutex

	signerSets map[uint64]*models.SignerSet
	btcBlocks  map[models.BitcoinBlockHash]*models.BitcoinBlock
	stxBlocks  map[models.StacksBlockID]*models.StacksBlock
	deposits   map[models.Outpoint]*models.DepositRequest
	withdraws  map[uint64]*models.WithdrawalRequest
	decisions  map[models.RequestKey][]*models.SignerDecision
	dkgShares  map[uint64]*models.DkgShares
	rounds     map[models.RoundID]*models.SigningRound
	sweeps     []*models.SweepPackage
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		signerSets: make(map[uint64]*models.SignerSet),
		btcBlocks:  make(map[models.BitcoinBlockHash]*models.BitcoinBlock),
		stxBlocks:  make(map[models.StacksBlockID]*models.StacksBlock),
		deposits:   make(map[models.Outpoint]*models.DepositRequest),
		withdraws:  make(map[uint64]*models.WithdrawalRequest),
		decisions:  make(map[models.RequestKey][]*models.SignerDecision),
		dkgShares:  make(map[uint64]*models.DkgShares),
		rounds:     make(map[models.RoundID]*models.SigningRound),
	}
}

func (m *Memory) PutSignerSet(set *models.SignerSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *set
	m.signerSets[set.Epoch] = &cp
	return nil
}

func (m *Memory) SignerSet(epoch uint64) (*models.SignerSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if epoch == 0 {
		return m.latestSignerSetLocked(), nil
	}
	set, ok := m.signerSets[epoch]
	if !ok {
		return nil, nil
	}
	cp := *set
	return &cp, nil
}

func (m *Memory) LatestSignerSet() (*models.SignerSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestSignerSetLocked(), nil
}

func (m *Memory) latestSignerSetLocked() *models.SignerSet {
	var best *models.SignerSet
	for _, set := range m.signerSets {
		if best == nil || set.Epoch > best.Epoch {
			best = set
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

func (m *Memory) PutBitcoinBlock(b *models.BitcoinBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.btcBlocks[b.Hash] = &cp
	return nil
}

func (m *Memory) BitcoinBlock(hash models.BitcoinBlockHash) (*models.BitcoinBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.btcBlocks[hash]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) BitcoinTip() (*models.BitcoinBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.BitcoinBlock
	for _, b := range m.btcBlocks {
		if !b.Canonical {
			continue
		}
		if best == nil || b.Height > best.Height {
			best = b
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *Memory) SetCanonical(hash models.BitcoinBlockHash, canonical bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.btcBlocks[hash]
	if !ok {
		return nil
	}
	b.Canonical = canonical
	return nil
}

func (m *Memory) PutStacksBlock(b *models.StacksBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.stxBlocks[b.ID] = &cp
	return nil
}

func (m *Memory) StacksBlock(id models.StacksBlockID) (*models.StacksBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.stxBlocks[id]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) StacksTip() (*models.StacksBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.StacksBlock
	for _, b := range m.stxBlocks {
		if !b.Canonical {
			continue
		}
		if best == nil || b.SeenAt.After(best.SeenAt) {
			best = b
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *Memory) PutDepositRequest(d *models.DepositRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deposits[d.Outpoint] = &cp
	return nil
}

func (m *Memory) DepositRequest(out models.Outpoint) (*models.DepositRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deposits[out]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) DepositsByStatus(status models.DepositStatus) ([]*models.DepositRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.DepositRequest
	for _, d := range m.deposits {
		if d.Status == status {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConfirmationHeight < out[j].ConfirmationHeight })
	return out, nil
}

func (m *Memory) PutWithdrawalRequest(w *models.WithdrawalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.withdraws[w.RequestID] = &cp
	return nil
}

func (m *Memory) WithdrawalRequest(id uint64) (*models.WithdrawalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.withdraws[id]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (m *Memory) WithdrawalsByStatus(status models.WithdrawalStatus) ([]*models.WithdrawalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.WithdrawalRequest
	for _, w := range m.withdraws {
		if w.Status == status {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out, nil
}

func (m *Memory) PutDecision(d *models.SignerDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	list := m.decisions[d.RequestKey]
	for i, existing := range list {
		if existing.Signer == d.Signer {
			list[i] = &cp
			return nil
		}
	}
	m.decisions[d.RequestKey] = append(list, &cp)
	return nil
}

func (m *Memory) DecisionsFor(key models.RequestKey) ([]*models.SignerDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.decisions[key]
	out := make([]*models.SignerDecision, len(list))
	for i, d := range list {
		cp := *d
		out[i] = &cp
	}
	return out, nil
}

func (m *Memory) PutDkgShares(s *models.DkgShares) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.dkgShares[s.Epoch] = &cp
	return nil
}

func (m *Memory) DkgShares(epoch uint64) (*models.DkgShares, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.dkgShares[epoch]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) PutSigningRound(r *models.SigningRound) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rounds[r.ID] = &cp
	return nil
}

func (m *Memory) SigningRound(id models.RoundID) (*models.SigningRound, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rounds[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) OpenSigningRounds() ([]*models.SigningRound, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.SigningRound
	for _, r := range m.rounds {
		switch r.State {
		case models.RoundBroadcast, models.RoundFailed, models.RoundTimedOut:
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) PutSweepPackage(p *models.SweepPackage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.sweeps = append(m.sweeps, &cp)
	return nil
}

func (m *Memory) SweepPackagesSince(t time.Time) ([]*models.SweepPackage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.SweepPackage
	for _, p := range m.sweeps {
		if p.CreatedAt.After(t) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
