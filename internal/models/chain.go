package models

import "time"

// BitcoinBlockHash is a 32-byte Bitcoin block hash.
type BitcoinBlockHash [32]byte

// StacksBlockID is a 32-byte Stacks block identifier.
type StacksBlockID [32]byte

// BitcoinBlock is a materialized Bitcoin block header, as tracked by the
// Chain View.
type BitcoinBlock struct {
	Hash       BitcoinBlockHash
	Height     uint64
	ParentHash BitcoinBlockHash
	SweepTxIDs []BitcoinTxID // sweep transactions confirmed in this block
	Canonical  bool
	SeenAt     time.Time
}

// BitcoinTxID is a 32-byte Bitcoin transaction id.
type BitcoinTxID [32]byte

// StacksBlock is a materialized Stacks block, anchored to a Bitcoin block.
type StacksBlock struct {
	ID              StacksBlockID
	BurnAnchorHash  BitcoinBlockHash
	ParentID        StacksBlockID
	Canonical       bool
	SeenAt          time.Time
}

// Outpoint identifies a Bitcoin transaction output (txid, vout).
type Outpoint struct {
	TxID BitcoinTxID
	Vout uint32
}
