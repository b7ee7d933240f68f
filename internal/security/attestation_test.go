package security

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type route struct {
	Venue     string `json:"venue"`
	AmountOut string `json:"amountOut"`
}

func fixedAttestor(t *testing.T, now time.Time) *Attestor {
	t.Helper()
	a, err := NewAttestor("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	a.now = func() time.Time { return now }
	return a
}

func TestNewAttestor(t *testing.T) {
	a := fixedAttestor(t, time.Now())
	assert.Equal(t, common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"), a.Signer())

	_, err := NewAttestor("not-a-key")
	assert.Error(t, err)

	g, err := GenerateAttestor()
	require.NoError(t, err)
	assert.NotEqual(t, common.Address{}, g.Signer())
}

func TestAttestAndVerify(t *testing.T) {
	issued := time.Unix(1700000000, 0)
	a := fixedAttestor(t, issued).WithValidity(time.Minute)
	payload := route{Venue: "uniswap", AmountOut: "900"}

	att, err := a.Attest(payload)
	require.NoError(t, err)
	assert.Equal(t, issued.Unix(), att.IssuedAt)
	assert.Equal(t, issued.Add(time.Minute).Unix(), att.ValidUntil)
	assert.Len(t, att.Signature, 65)

	again, err := a.Attest(payload)
	require.NoError(t, err)
	assert.Equal(t, att.Hash, again.Hash, "hash depends only on payload and validity")

	tests := []struct {
		name    string
		payload interface{}
		mutate  func(*Attestation)
		at      time.Time
		wantErr error
	}{
		{name: "valid", payload: payload, at: issued.Add(30 * time.Second)},
		{name: "tampered payload", payload: route{Venue: "uniswap", AmountOut: "901"}, at: issued, wantErr: ErrSignatureInvalid},
		{name: "expired", payload: payload, at: issued.Add(2 * time.Minute), wantErr: ErrAttestationExpired},
		{
			name:    "extended validity",
			payload: payload,
			mutate:  func(a *Attestation) { a.ValidUntil += 3600 },
			at:      issued,
			wantErr: ErrSignatureInvalid,
		},
		{
			name:    "claimed signer differs",
			payload: payload,
			mutate:  func(a *Attestation) { a.Signer = common.HexToAddress("0xbad") },
			at:      issued,
			wantErr: ErrSignatureInvalid,
		},
		{
			name:    "corrupt signature",
			payload: payload,
			mutate:  func(a *Attestation) { a.Signature = a.Signature[:10] },
			at:      issued,
			wantErr: ErrSignatureInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candidate := att
			candidate.Signature = append([]byte(nil), att.Signature...)
			if tt.mutate != nil {
				tt.mutate(&candidate)
			}
			err := Verify(tt.payload, candidate, tt.at)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
