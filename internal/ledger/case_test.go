package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCase(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    *Case
		wantErr bool
	}{
		{
			name: "integer id",
			body: `{"caseId": 7, "metadata": {"incident": "The policyholder hit another car.", "policy": "This policy covers all claims."}}`,
			want: &Case{ID: 7, Incident: "The policyholder hit another car.", Policy: "This policy covers all claims."},
		},
		{
			name: "string id",
			body: `{"caseId": "12", "metadata": {"incident": "a", "policy": "b"}}`,
			want: &Case{ID: 12, Incident: "a", Policy: "b"},
		},
		{
			name: "integral float id",
			body: `{"caseId": 3.0, "metadata": {"incident": "a", "policy": "b"}}`,
			want: &Case{ID: 3, Incident: "a", Policy: "b"},
		},
		{
			name: "decided",
			body: `{"caseId": 1, "metadata": {"incident": "a", "policy": "b", "decision": {"decision": "deny", "processor_fingerprint": "AA"}}}`,
			want: &Case{ID: 1, Incident: "a", Policy: "b", Decision: "deny", ProcessorFingerprint: "AA"},
		},
		{name: "missing policy", body: `{"caseId": 1, "metadata": {"incident": "a"}}`, wantErr: true},
		{name: "missing incident", body: `{"caseId": 1, "metadata": {"policy": "b"}}`, wantErr: true},
		{name: "missing metadata", body: `{"caseId": 1}`, wantErr: true},
		{name: "missing id", body: `{"metadata": {"incident": "a", "policy": "b"}}`, wantErr: true},
		{name: "fractional id", body: `{"caseId": 1.5, "metadata": {"incident": "a", "policy": "b"}}`, wantErr: true},
		{name: "id at 2^63", body: `{"caseId": 9223372036854775808, "metadata": {"incident": "a", "policy": "b"}}`, wantErr: true},
		{name: "string id at 2^63", body: `{"caseId": "9223372036854775808", "metadata": {"incident": "a", "policy": "b"}}`, wantErr: true},
		{name: "id beyond int64", body: `{"caseId": 1e19, "metadata": {"incident": "a", "policy": "b"}}`, wantErr: true},
		{name: "non numeric id", body: `{"caseId": "abc", "metadata": {"incident": "a", "policy": "b"}}`, wantErr: true},
		{name: "incident not string", body: `{"caseId": 1, "metadata": {"incident": 5, "policy": "b"}}`, wantErr: true},
		{name: "not json", body: `No cases found`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCase([]byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedCase)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
