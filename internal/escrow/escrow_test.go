package escrow

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusPending, "pending"},
		{StatusActive, "active"},
		{StatusCompleted, "completed"},
		{StatusCancelled, "cancelled"},
		{Status(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
		})
	}
}

func TestStatusMarshalJSON(t *testing.T) {
	b, err := json.Marshal(StatusActive)
	require.NoError(t, err)
	assert.Equal(t, `"active"`, string(b))

	b, err = json.Marshal(struct {
		Status Status `json:"status"`
	}{StatusCompleted})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"completed"}`, string(b))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to active", StatusPending, StatusActive, true},
		{"pending to completed", StatusPending, StatusCompleted, true},
		{"pending to cancelled", StatusPending, StatusCancelled, true},
		{"active to completed", StatusActive, StatusCompleted, true},
		{"active to cancelled", StatusActive, StatusCancelled, true},
		{"active to pending", StatusActive, StatusPending, false},
		{"active to active", StatusActive, StatusActive, false},
		{"completed to active", StatusCompleted, StatusActive, false},
		{"completed to cancelled", StatusCompleted, StatusCancelled, false},
		{"cancelled to completed", StatusCancelled, StatusCompleted, false},
		{"cancelled to active", StatusCancelled, StatusActive, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusActive.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}

func TestStatusFromContract(t *testing.T) {
	assert.Equal(t, StatusActive, StatusFromContract(0))
	assert.Equal(t, StatusCompleted, StatusFromContract(1))
	assert.Equal(t, StatusCancelled, StatusFromContract(2))
	// Unknown contract values collapse to Active rather than invent a
	// terminal state.
	assert.Equal(t, StatusActive, StatusFromContract(7))
}

func TestRecordClone(t *testing.T) {
	orig := &Record{
		ID:         "job-1",
		Client:     "0x1111111111111111111111111111111111111111",
		Amount:     "2.5",
		AmountBase: big.NewInt(25),
		Status:     StatusActive,
		Exists:     true,
	}

	cp := orig.Clone()
	cp.Status = StatusCompleted
	cp.AmountBase.SetInt64(99)

	assert.Equal(t, StatusActive, orig.Status)
	assert.Equal(t, int64(25), orig.AmountBase.Int64())
}

func TestInvolvesParty(t *testing.T) {
	r := &Record{
		Client:     "0x1111111111111111111111111111111111111111",
		Freelancer: "0x2222222222222222222222222222222222222222",
	}

	assert.True(t, r.InvolvesParty("0x1111111111111111111111111111111111111111"))
	assert.True(t, r.InvolvesParty("0x2222222222222222222222222222222222222222"))
	assert.True(t, r.InvolvesParty("0X1111111111111111111111111111111111111111"))
	assert.False(t, r.InvolvesParty("0x3333333333333333333333333333333333333333"))
}
