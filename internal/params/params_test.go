package params

import (
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testValidator() *Validator {
	return &Validator{
		Decimals:        NativeDecimals,
		LargeAmountWarn: "1000",
		Now:             func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "valid lowercase",
			input: "0x1234567890abcdef1234567890abcdef12345678",
			want:  "0x1234567890abcdef1234567890abcdef12345678",
		},
		{
			name:  "mixed case normalized",
			input: "0x1234567890ABCDEF1234567890abcdef12345678",
			want:  "0x1234567890abcdef1234567890abcdef12345678",
		},
		{
			name:  "surrounding whitespace trimmed",
			input: "  0x1234567890abcdef1234567890abcdef12345678  ",
			want:  "0x1234567890abcdef1234567890abcdef12345678",
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
		{
			name:    "missing prefix",
			input:   "1234567890abcdef1234567890abcdef12345678",
			wantErr: true,
		},
		{
			name:    "too short",
			input:   "0x1234",
			wantErr: true,
		},
		{
			name:    "non-hex characters",
			input:   "0x1234567890abcdef1234567890abcdef1234567g",
			wantErr: true,
		},
		{
			name:    "ens name",
			input:   "alice.eth",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateAddress(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateAmount(t *testing.T) {
	v := testValidator()

	tests := []struct {
		name    string
		input   any
		want    string
		wantErr bool
	}{
		{
			name:  "decimal string",
			input: "2.5",
			want:  "2.5",
		},
		{
			name:  "whole string",
			input: "10",
			want:  "10",
		},
		{
			name:  "trailing zeros canonicalized",
			input: "1.500",
			want:  "1.5",
		},
		{
			name:  "float64",
			input: 0.25,
			want:  "0.25",
		},
		{
			name:  "float32",
			input: float32(2),
			want:  "2",
		},
		{
			name:  "int",
			input: 7,
			want:  "7",
		},
		{
			name:  "int64",
			input: int64(42),
			want:  "42",
		},
		{
			name:  "uint64",
			input: uint64(3),
			want:  "3",
		},
		{
			name:  "big int",
			input: big.NewInt(9),
			want:  "9",
		},
		{
			name:    "alphabetic string",
			input:   "Logo design for acme",
			wantErr: true,
		},
		{
			name:    "zero",
			input:   "0",
			wantErr: true,
		},
		{
			name:    "negative",
			input:   "-5",
			wantErr: true,
		},
		{
			name:    "multiple decimal points",
			input:   "1.2.3",
			wantErr: true,
		},
		{
			name:    "leading dot",
			input:   ".5",
			wantErr: true,
		},
		{
			name:    "trailing dot",
			input:   "5.",
			wantErr: true,
		},
		{
			name:    "comma separator",
			input:   "1,000",
			wantErr: true,
		},
		{
			name:    "scientific notation",
			input:   "1e18",
			wantErr: true,
		},
		{
			name:    "over-long string",
			input:   "1.0000000000000000000000000000000001",
			wantErr: true,
		},
		{
			name:    "NaN",
			input:   math.NaN(),
			wantErr: true,
		},
		{
			name:    "infinity",
			input:   math.Inf(1),
			wantErr: true,
		},
		{
			name:    "nil",
			input:   nil,
			wantErr: true,
		},
		{
			name:    "nil big int",
			input:   (*big.Int)(nil),
			wantErr: true,
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
		{
			name:    "unsupported type",
			input:   []string{"1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.ValidateAmount(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateDeadline(t *testing.T) {
	v := testValidator()
	now := v.Now()

	assert.Error(t, v.ValidateDeadline(time.Time{}), "zero deadline")
	assert.Error(t, v.ValidateDeadline(now), "deadline exactly now")
	assert.Error(t, v.ValidateDeadline(now.Add(-time.Hour)), "past deadline")
	assert.NoError(t, v.ValidateDeadline(now.Add(time.Minute)))
}

func TestValidateEscrowParams(t *testing.T) {
	const (
		client     = "0x1111111111111111111111111111111111111111"
		freelancer = "0x2222222222222222222222222222222222222222"
	)
	v := testValidator()
	deadline := v.Now().Add(7 * 24 * time.Hour)

	valid := EscrowParams{
		EscrowID:   "job-42",
		Client:     client,
		Freelancer: freelancer,
		Amount:     "2.5",
		Title:      "Logo design",
		Deadline:   deadline,
	}

	t.Run("valid params sanitized", func(t *testing.T) {
		res := v.ValidateEscrowParams(valid)
		require.True(t, res.OK(), "errors: %v", res.Errors)
		require.NotNil(t, res.Sanitized)
		assert.Equal(t, "job-42", res.Sanitized.EscrowID)
		assert.Equal(t, "2.5", res.Sanitized.Amount)
		assert.Equal(t, "2500000000000000000", res.Sanitized.AmountBase.String())
		assert.Equal(t, "Logo design", res.Sanitized.Title)
		assert.Empty(t, res.Warnings)
	})

	t.Run("client equals freelancer", func(t *testing.T) {
		p := valid
		p.Freelancer = client
		res := v.ValidateEscrowParams(p)
		require.False(t, res.OK())
		assert.Nil(t, res.Sanitized)
		assert.Equal(t, "freelancer", res.Errors[0].Field)
	})

	t.Run("self-dealing check ignores case", func(t *testing.T) {
		p := valid
		p.Client = "0xAbCdEf1234567890aBcDeF1234567890ABCDEF12"
		p.Freelancer = "0xabcdef1234567890abcdef1234567890abcdef12"
		res := v.ValidateEscrowParams(p)
		assert.False(t, res.OK())
	})

	t.Run("multiple failures reported together", func(t *testing.T) {
		res := v.ValidateEscrowParams(EscrowParams{
			EscrowID:   "",
			Client:     "not-an-address",
			Freelancer: freelancer,
			Amount:     "abc",
			Deadline:   time.Time{},
		})
		require.False(t, res.OK())
		fields := make(map[string]bool)
		for _, fe := range res.Errors {
			fields[fe.Field] = true
		}
		assert.True(t, fields["escrowId"])
		assert.True(t, fields["client"])
		assert.True(t, fields["amount"])
		assert.True(t, fields["deadline"])
	})

	t.Run("large amount warns without blocking", func(t *testing.T) {
		p := valid
		p.Amount = "5000"
		res := v.ValidateEscrowParams(p)
		require.True(t, res.OK())
		require.Len(t, res.Warnings, 1)
		assert.Contains(t, res.Warnings[0], "unusually large")
	})

	t.Run("far deadline warns without blocking", func(t *testing.T) {
		p := valid
		p.Deadline = v.Now().Add(2 * FarDeadline)
		res := v.ValidateEscrowParams(p)
		require.True(t, res.OK())
		require.Len(t, res.Warnings, 1)
		assert.Contains(t, res.Warnings[0], "year")
	})

	t.Run("title trimmed and nul bytes stripped", func(t *testing.T) {
		p := valid
		p.Title = "  hello\x00world  "
		res := v.ValidateEscrowParams(p)
		require.True(t, res.OK())
		assert.Equal(t, "helloworld", res.Sanitized.Title)
	})

	t.Run("overlong title rejected", func(t *testing.T) {
		p := valid
		long := make([]byte, MaxTitleLength+1)
		for i := range long {
			long[i] = 'a'
		}
		p.Title = string(long)
		res := v.ValidateEscrowParams(p)
		assert.False(t, res.OK())
	})
}

func TestFormatForChain(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals int
		want     string
		wantErr  bool
	}{
		{
			name:     "whole number",
			amount:   "1",
			decimals: 18,
			want:     "1000000000000000000",
		},
		{
			name:     "fractional",
			amount:   "2.5",
			decimals: 18,
			want:     "2500000000000000000",
		},
		{
			name:     "smallest unit",
			amount:   "0.000000000000000001",
			decimals: 18,
			want:     "1",
		},
		{
			name:     "six decimal token",
			amount:   "1.5",
			decimals: 6,
			want:     "1500000",
		},
		{
			name:     "excess precision rejected",
			amount:   "1.1234567",
			decimals: 6,
			wantErr:  true,
		},
		{
			name:     "negative rejected",
			amount:   "-1",
			decimals: 18,
			wantErr:  true,
		},
		{
			name:     "empty rejected",
			amount:   "",
			decimals: 18,
			wantErr:  true,
		},
		{
			name:     "garbage rejected",
			amount:   "1.2.3",
			decimals: 18,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FormatForChain(tt.amount, tt.decimals)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestFormatFromChain(t *testing.T) {
	wei := func(s string) *big.Int {
		n, ok := new(big.Int).SetString(s, 10)
		require.True(t, ok)
		return n
	}

	tests := []struct {
		name   string
		amount *big.Int
		want   string
	}{
		{name: "nil", amount: nil, want: "0"},
		{name: "zero", amount: big.NewInt(0), want: "0"},
		{name: "whole", amount: wei("1000000000000000000"), want: "1"},
		{name: "fractional", amount: wei("2500000000000000000"), want: "2.5"},
		{name: "smallest unit", amount: big.NewInt(1), want: "0.000000000000000001"},
		{name: "no trailing zeros", amount: wei("1100000000000000000"), want: "1.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatFromChain(tt.amount, 18))
		})
	}
}

func TestFormatRoundTrip(t *testing.T) {
	amounts := []string{"1", "2.5", "0.000000000000000001", "1000", "0.1", "123.456"}

	for _, amount := range amounts {
		t.Run(amount, func(t *testing.T) {
			base, err := FormatForChain(amount, 18)
			require.NoError(t, err)
			assert.Equal(t, amount, FormatFromChain(base, 18))
		})
	}
}
