package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainID(t *testing.T) {
	t.Parallel()

	id, err := ChainID(" Ethereum ")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id.Int64())

	id, err = ChainID("base")
	require.NoError(t, err)
	assert.Equal(t, int64(8453), id.Int64())

	_, err = ChainID("solana")
	assert.Error(t, err)
}

func TestProposalEffectiveState(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := ExecutionProposal{State: ProposalStatePending, ExpiresAt: now.Add(time.Minute)}

	assert.Equal(t, ProposalStatePending, p.EffectiveState(now))
	assert.Equal(t, ProposalStateExpired, p.EffectiveState(now.Add(time.Minute)))

	p.State = ProposalStateConfirmed
	assert.Equal(t, ProposalStateConfirmed, p.EffectiveState(now.Add(time.Hour)))
}

func TestSignedTransactionIsImmutable(t *testing.T) {
	t.Parallel()

	raw := []byte{0x02, 0xf8}
	s := NewSignedTransaction(raw)
	raw[0] = 0xff
	out := s.Bytes()
	out[1] = 0x00

	assert.Equal(t, "0x02f8", s.Hex())
	assert.Equal(t, 2, s.Len())
}
