package chainview

import (
	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/repo"
)

// applyReorg walks back from newTip and the previous tip to their common
// ancestor, marks the abandoned branch non-canonical, and returns the
// hashes that were invalidated so callers can cancel any SigningRound
// anchored to them (spec §4.1 "Any in-flight SigningRound whose anchor
// block is no longer canonical is cancelled with reason
// ReorgInvalidated").
//
// Blocks on the abandoned branch are not deleted: they are retained below
// the finality horizon to support late-arriving messages, per spec §4.1.
func applyReorg(store repo.Store, prevTip, newTip *models.BitcoinBlock) ([]models.BitcoinBlockHash, error) {
	if prevTip == nil || prevTip.Hash == newTip.Hash {
		return nil, nil
	}

	oldChain, err := chainBack(store, prevTip)
	if err != nil {
		return nil, err
	}
	newChain, err := chainBack(store, newTip)
	if err != nil {
		return nil, err
	}

	// Align both chains to the same height, then walk back together until
	// the hashes match: that block is the common ancestor.
	oldByHeight := make(map[uint64]models.BitcoinBlockHash, len(oldChain))
	for _, b := range oldChain {
		oldByHeight[b.Height] = b.Hash
	}
	newByHeight := make(map[uint64]models.BitcoinBlockHash, len(newChain))
	for _, b := range newChain {
		newByHeight[b.Height] = b.Hash
	}

	var commonHeight uint64
	found := false
	minHeight := prevTip.Height
	if newTip.Height < minHeight {
		minHeight = newTip.Height
	}
	for h := int64(minHeight); h >= 0; h-- {
		oh, ok1 := oldByHeight[uint64(h)]
		nh, ok2 := newByHeight[uint64(h)]
		if ok1 && ok2 && oh == nh {
			commonHeight = uint64(h)
			found = true
			break
		}
	}
	if !found {
		commonHeight = 0
	}

	var invalidated []models.BitcoinBlockHash
	for _, b := range oldChain {
		if b.Height > commonHeight {
			if err := store.SetCanonical(b.Hash, false); err != nil {
				return nil, err
			}
			invalidated = append(invalidated, b.Hash)
		}
	}
	for _, b := range newChain {
		if err := store.SetCanonical(b.Hash, true); err != nil {
			return nil, err
		}
	}
	return invalidated, nil
}

// chainBack returns tip and every ancestor back to height 0 (or the first
// block this store hasn't recorded), in descending-height order.
func chainBack(store repo.Store, tip *models.BitcoinBlock) ([]*models.BitcoinBlock, error) {
	var chain []*models.BitcoinBlock
	cur := tip
	for cur != nil {
		chain = append(chain, cur)
		if cur.Height == 0 {
			break
		}
		parent, err := store.BitcoinBlock(cur.ParentHash)
		if err != nil {
			return nil, err
		}
		cur = parent
	}
	return chain, nil
}
