//go:build unit

package errors

import "testing"

func TestKindConstructorsAndPredicates(t *testing.T) {
	tests := []struct {
		name    string
		err     *ApplicationError
		wantKind string
		is      func(error) bool
	}{
		{name: "no_accounts", err: NoAccounts("empty pool"), wantKind: KindNoAccounts, is: IsNoAccounts},
		{name: "token_refresh_failed", err: TokenRefreshFailed("refresh rejected"), wantKind: KindTokenRefreshFailed, is: IsTokenRefreshFailed},
		{name: "storage_corrupt", err: StorageCorrupt("missing accounts array"), wantKind: KindStorageCorrupt, is: IsStorageCorrupt},
		{name: "parse_error", err: ParseError("invalid json"), wantKind: KindParseError, is: IsParseError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Reason != tt.wantKind {
				t.Errorf("Reason = %q, want %q", tt.err.Reason, tt.wantKind)
			}
			if !tt.is(tt.err) {
				t.Errorf("predicate for %s returned false for its own constructor", tt.wantKind)
			}
			if tt.is(NoAccounts("unrelated")) && tt.wantKind != KindNoAccounts {
				t.Errorf("predicate for %s matched an unrelated NoAccounts error", tt.wantKind)
			}
		})
	}
}

func TestUpstreamKindsConstructViaNew(t *testing.T) {
	for _, kind := range []string{KindUpstreamRateLimit, KindUpstreamServerErr, KindUpstreamAuth, KindUpstreamOther} {
		err := New(502, kind, "upstream classification")
		if Reason(err) != kind {
			t.Errorf("Reason(New(..., %q, ...)) = %q, want %q", kind, Reason(err), kind)
		}
	}
}
