package gossip

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testIdentity(t *testing.T) *Identity {
	t.Helper()
	scalar := make([]byte, 32)
	for i := range scalar {
		scalar[i] = byte(i + 1)
	}
	id, err := NewIdentity(scalar)
	require.NoError(t, err)
	return id
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	id := testIdentity(t)
	payload := []byte("deposit-decision-payload")

	sig, err := id.sign(TopicDepositDecision, payload)
	require.NoError(t, err)
	require.True(t, Verify(TopicDepositDecision, payload, sig, id.PublicKey))
}

func TestVerifyRejectsWrongTopic(t *testing.T) {
	id := testIdentity(t)
	payload := []byte("payload")

	sig, err := id.sign(TopicDepositDecision, payload)
	require.NoError(t, err)
	require.False(t, Verify(TopicWithdrawalDecision, payload, sig, id.PublicKey))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	id := testIdentity(t)
	sig, err := id.sign(TopicDepositDecision, []byte("original"))
	require.NoError(t, err)
	require.False(t, Verify(TopicDepositDecision, []byte("tampered"), sig, id.PublicKey))
}

func TestMessageIDIsDeterministic(t *testing.T) {
	a := MessageID([]byte("same"))
	b := MessageID([]byte("same"))
	require.Equal(t, a, b)

	c := MessageID([]byte("different"))
	require.NotEqual(t, a, c)
}
