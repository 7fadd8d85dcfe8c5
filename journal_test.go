package btreekit

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestJournalRecordReplayRestoresPreImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.tmp")
	j := newJournal(path)
	defer j.discard()

	pageSize := uint32(64)
	mapping := make([]byte, pageSize*3)
	for i := range mapping {
		mapping[i] = 0xAA
	}

	preImage := make([]byte, pageSize)
	copy(preImage, mapping[pageSize:2*pageSize])

	if err := j.record(2, preImage); err != nil {
		t.Fatalf("record: %v", err)
	}
	// A second record of the same page must be a no-op (only the
	// first-touch pre-image is ever kept).
	mutated := bytes.Repeat([]byte{0xFF}, int(pageSize))
	if err := j.record(2, mutated); err != nil {
		t.Fatalf("record (second touch): %v", err)
	}

	copy(mapping[pageSize:2*pageSize], mutated)

	if err := j.replay(mapping, pageSize); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !bytes.Equal(mapping[pageSize:2*pageSize], preImage) {
		t.Errorf("replay did not restore the original pre-image")
	}
}

func TestJournalForgetReleasesSlotForReuse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal2.tmp")
	j := newJournal(path)
	defer j.discard()

	pageSize := uint32(64)
	img := make([]byte, pageSize)
	if err := j.record(5, img); err != nil {
		t.Fatalf("record: %v", err)
	}
	if j.slots.Get(5) == nil {
		t.Fatal("expected page 5 to be journaled")
	}

	j.forget(5)
	if j.slots.Get(5) != nil {
		t.Error("forget should drop the journal's index entry for the page")
	}

	// Re-recording after forget must succeed and start a fresh pre-image
	// rather than reuse stale bookkeeping for page 5.
	fresh := bytes.Repeat([]byte{0x11}, int(pageSize))
	if err := j.record(5, fresh); err != nil {
		t.Fatalf("record after forget: %v", err)
	}
	if j.slots.Get(5) == nil {
		t.Fatal("expected page 5 to be journaled again after forget")
	}
}

func TestJournalReplaySelectedOnlyTouchesNamedPages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal3.tmp")
	j := newJournal(path)
	defer j.discard()

	pageSize := uint32(64)
	mapping := make([]byte, pageSize*3)

	pre1 := bytes.Repeat([]byte{0x01}, int(pageSize))
	pre2 := bytes.Repeat([]byte{0x02}, int(pageSize))
	if err := j.record(1, pre1); err != nil {
		t.Fatalf("record(1): %v", err)
	}
	if err := j.record(2, pre2); err != nil {
		t.Fatalf("record(2): %v", err)
	}

	// Both pages get overwritten in the live mapping...
	copy(mapping[0:pageSize], bytes.Repeat([]byte{0xEE}, int(pageSize)))
	copy(mapping[pageSize:2*pageSize], bytes.Repeat([]byte{0xEE}, int(pageSize)))

	// ...but only page 1 is named for selective rollback.
	if err := j.replaySelected(mapping, pageSize, map[uint32]bool{1: true}); err != nil {
		t.Fatalf("replaySelected: %v", err)
	}
	if !bytes.Equal(mapping[0:pageSize], pre1) {
		t.Errorf("page 1 should have been restored to its pre-image")
	}
	if bytes.Equal(mapping[pageSize:2*pageSize], pre2) {
		t.Errorf("page 2 should NOT have been touched by a selective replay that didn't name it")
	}
}
