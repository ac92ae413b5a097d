package transaction

import (
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func params(id string, amount string) UpsertParams {
	return UpsertParams{
		ID:           id,
		AccountID:    "acc-1",
		ConnectionID: "conn-1",
		Amount:       decimal.RequireFromString(amount),
		Date:         time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func strPtr(s string) *string { return &s }

func TestDelta_Upserts_MergesByID(t *testing.T) {
	d := Delta{
		Added:    []UpsertParams{params("t1", "10"), params("t2", "20")},
		Modified: []UpsertParams{params("t1", "11"), params("t3", "30")},
	}

	got := d.Upserts()
	if len(got) != 3 {
		t.Fatalf("Upserts() returned %d records, want 3", len(got))
	}

	ids := []string{got[0].ID, got[1].ID, got[2].ID}
	if !reflect.DeepEqual(ids, []string{"t1", "t2", "t3"}) {
		t.Errorf("Upserts() order = %v, want [t1 t2 t3]", ids)
	}
	if !got[0].Amount.Equal(decimal.RequireFromString("11")) {
		t.Errorf("Upserts() t1 amount = %s, want 11 (modified wins)", got[0].Amount)
	}
}

func TestDelta_Deletions(t *testing.T) {
	posted := params("t-posted", "12")
	posted.PendingTransactionID = strPtr("t-pending")

	stillPending := params("t-other", "5")
	stillPending.Pending = true
	stillPending.PendingTransactionID = strPtr("t-ignored")

	reupserted := params("t-again", "1")
	refersToUpserted := params("t-new", "1")
	refersToUpserted.PendingTransactionID = strPtr("t-again")

	tests := []struct {
		name  string
		delta Delta
		want  []string
	}{
		{
			name:  "explicit removals",
			delta: Delta{Removed: []string{"a", "b", "a"}},
			want:  []string{"a", "b"},
		},
		{
			name:  "posted record supersedes pending",
			delta: Delta{Added: []UpsertParams{posted}, Removed: []string{"x"}},
			want:  []string{"x", "t-pending"},
		},
		{
			name:  "pending record reference is ignored",
			delta: Delta{Added: []UpsertParams{stillPending}},
			want:  nil,
		},
		{
			name:  "superseded id upserted in same page is kept",
			delta: Delta{Added: []UpsertParams{reupserted, refersToUpserted}},
			want:  nil,
		},
		{
			name:  "removal already covering superseded id",
			delta: Delta{Added: []UpsertParams{posted}, Removed: []string{"t-pending"}},
			want:  []string{"t-pending"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.delta.Deletions()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Deletions() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDelta_IsEmpty(t *testing.T) {
	if !(Delta{}).IsEmpty() {
		t.Error("empty Delta should report IsEmpty")
	}
	if (Delta{Removed: []string{"t1"}}).IsEmpty() {
		t.Error("Delta with removals should not report IsEmpty")
	}
}

func TestUpsertParams_Validate(t *testing.T) {
	p := params("t1", "1")
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	p.Date = time.Time{}
	if err := p.Validate(); err == nil {
		t.Error("Validate() accepted zero date")
	}
}
