package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseDeliveryReceipt(t *testing.T) {
	body := "id:abc123 sub:001 dlvrd:001 submit date:2506151230 done date:2506151232 stat:DELIVRD err:000 text:hello wo"
	r, err := ParseDeliveryReceipt(body)
	require.NoError(t, err)
	require.Equal(t, "abc123", r.ID)
	require.Equal(t, "001", r.Sub)
	require.Equal(t, "001", r.Dlvrd)
	require.Equal(t, DLRDelivered, r.Stat)
	require.Equal(t, "000", r.Err)
	require.Equal(t, "hello wo", r.Text)
	require.Equal(t, time.Date(2025, 6, 15, 12, 30, 0, 0, time.UTC), r.SubmitDate)
	require.Equal(t, time.Date(2025, 6, 15, 12, 32, 0, 0, time.UTC), r.DoneDate)
}

func TestParseDeliveryReceiptLowercaseStat(t *testing.T) {
	r, err := ParseDeliveryReceipt("id:xyz stat:undeliv err:050")
	require.NoError(t, err)
	require.Equal(t, DLRUndelivered, r.Stat)
	require.Equal(t, "050", r.Err)
}

func TestParseDeliveryReceiptRejectsNonReceipts(t *testing.T) {
	_, err := ParseDeliveryReceipt("just a normal text message")
	require.ErrorIs(t, err, ErrValidation)

	// fields present but no id
	_, err = ParseDeliveryReceipt("stat:DELIVRD err:000")
	require.ErrorIs(t, err, ErrValidation)
}

func TestFormatParseRoundtrip(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	out := FormatDeliveryReceipt(&DeliveryReceipt{
		ID:         "msg-1",
		Stat:       DLRDelivered,
		SubmitDate: now,
		DoneDate:   now.Add(2 * time.Minute),
		Text:       "short",
	})
	r, err := ParseDeliveryReceipt(out)
	require.NoError(t, err)
	require.Equal(t, "msg-1", r.ID)
	require.Equal(t, DLRDelivered, r.Stat)
	require.Equal(t, "001", r.Dlvrd)
}

func TestSyntheticUndeliveredReceipt(t *testing.T) {
	r := SyntheticUndeliveredReceipt("msg-9", "008")
	require.Equal(t, "msg-9", r.ID)
	require.Equal(t, DLRUndelivered, r.Stat)
	require.Equal(t, "008", r.Err)
	require.True(t, IsFinalDLRState(r.Stat))
}

func TestFinalDLRStates(t *testing.T) {
	for _, stat := range []string{DLRDelivered, DLRExpired, DLRDeleted, DLRUndelivered, DLRRejected, DLRUnknown} {
		require.True(t, IsFinalDLRState(stat), stat)
	}
	require.False(t, IsFinalDLRState(DLREnroute))
	require.False(t, IsFinalDLRState(DLRAccepted))
	require.True(t, IsFinalDLRState("delivrd")) // case-insensitive
}

func TestDLRRecordWantsReceipt(t *testing.T) {
	require.False(t, (&DLRRecord{Level: 1}).WantsReceipt())
	require.True(t, (&DLRRecord{Level: 2}).WantsReceipt())
	require.True(t, (&DLRRecord{Level: 3}).WantsReceipt())
}
