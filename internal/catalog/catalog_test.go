package catalog

import "testing"

func TestSourceTable_QualifiedName(t *testing.T) {
	tbl := SourceTable{Namespace: "public", Relation: "orders"}
	if got := tbl.QualifiedName(); got != "public.orders" {
		t.Errorf("QualifiedName() = %q", got)
	}
}

func TestSourceIndex_HasConstraint(t *testing.T) {
	if (SourceIndex{ConstraintOID: 0}).HasConstraint() {
		t.Error("index with no constraint oid should report HasConstraint() = false")
	}
	if !(SourceIndex{ConstraintOID: 16483}).HasConstraint() {
		t.Error("index with a constraint oid should report HasConstraint() = true")
	}
}

func TestComputePartitionRanges_CoversWholeDomain(t *testing.T) {
	parts := computePartitionRanges(1, 1_000_000, 5*1024*1024*1024, 1024*1024*1024)
	if len(parts) == 0 {
		t.Fatal("expected a non-empty partition plan for a table 5x over threshold")
	}
	if parts[0].Min != 1 {
		t.Errorf("first part Min = %d, want 1", parts[0].Min)
	}
	if parts[len(parts)-1].Max != 1_000_000 {
		t.Errorf("last part Max = %d, want 1000000", parts[len(parts)-1].Max)
	}
	for i := 1; i < len(parts); i++ {
		if parts[i].Min != parts[i-1].Max+1 {
			t.Errorf("part %d Min=%d does not immediately follow part %d Max=%d", i, parts[i].Min, i-1, parts[i-1].Max)
		}
		if parts[i].Min > parts[i].Max {
			t.Errorf("part %d has Min %d > Max %d", i, parts[i].Min, parts[i].Max)
		}
	}
}

func TestComputePartitionRanges_BelowThresholdProducesNoParts(t *testing.T) {
	parts := computePartitionRanges(1, 1000, 500*1024*1024, 1024*1024*1024)
	if parts != nil {
		t.Errorf("expected no parts for a table at or below the threshold, got %d", len(parts))
	}
}

func TestComputePartitionRanges_CappedAtMaxParts(t *testing.T) {
	parts := computePartitionRanges(1, 1_000_000_000, 10_000*int64(1024*1024*1024), 1024*1024*1024)
	if len(parts) > maxPartsPerTable {
		t.Errorf("len(parts) = %d, want <= %d", len(parts), maxPartsPerTable)
	}
}

func TestComputePartitionRanges_PartNumbersAreSequential(t *testing.T) {
	parts := computePartitionRanges(0, 99, 3*1024*1024*1024, 1024*1024*1024)
	for i, p := range parts {
		if p.PartNumber != i+1 {
			t.Errorf("part %d has PartNumber %d, want %d", i, p.PartNumber, i+1)
		}
		if p.PartCount != len(parts) {
			t.Errorf("part %d has PartCount %d, want %d", i, p.PartCount, len(parts))
		}
	}
}
