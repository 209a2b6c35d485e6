package merkle

import (
	"bytes"
	"fmt"
	"testing"
)

func testCIDs(n int) []string {
	cids := make([]string, n)
	for i := range cids {
		cids[i] = fmt.Sprintf("zQm-test-cid-%03d", i)
	}
	return cids
}

func TestContent(t *testing.T) {
	c1 := NewContent("cid-a")
	c2 := NewContent("cid-b")
	c3 := NewContent("cid-a")

	hash1, err := c1.CalculateHash()
	if err != nil {
		t.Fatalf("CalculateHash() error = %v", err)
	}

	hash2, err := c2.CalculateHash()
	if err != nil {
		t.Fatalf("CalculateHash() error = %v", err)
	}

	hash3, err := c3.CalculateHash()
	if err != nil {
		t.Fatalf("CalculateHash() error = %v", err)
	}

	if !bytes.Equal(hash1, hash3) {
		t.Error("same CID produced different hashes")
	}

	if bytes.Equal(hash1, hash2) {
		t.Error("different CIDs produced the same hash")
	}

	equal, err := c1.Equals(c3)
	if err != nil {
		t.Fatalf("Equals() error = %v", err)
	}
	if !equal {
		t.Error("Equals() = false for identical CIDs")
	}

	equal, err = c1.Equals(c2)
	if err != nil {
		t.Fatalf("Equals() error = %v", err)
	}
	if equal {
		t.Error("Equals() = true for different CIDs")
	}
}

func TestBuildTree(t *testing.T) {
	tests := []struct {
		name    string
		cids    []string
		wantErr bool
	}{
		{"empty list", nil, true},
		{"single chunk", testCIDs(1), false},
		{"several chunks", testCIDs(7), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree, err := BuildTree(tt.cids)
			if (err != nil) != tt.wantErr {
				t.Errorf("BuildTree() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && tree == nil {
				t.Error("BuildTree() returned nil tree without error")
			}
		})
	}
}

func TestRootIsDeterministic(t *testing.T) {
	cids := testCIDs(5)

	root1, err := Root(cids)
	if err != nil {
		t.Fatalf("Root() error = %v", err)
	}

	root2, err := Root(cids)
	if err != nil {
		t.Fatalf("Root() error = %v", err)
	}

	if !bytes.Equal(root1, root2) {
		t.Error("Root() is not deterministic for the same CID list")
	}
}

func TestVerifyChain(t *testing.T) {
	cids := testCIDs(4)

	root, err := Root(cids)
	if err != nil {
		t.Fatalf("Root() error = %v", err)
	}

	if err := VerifyChain(cids, root); err != nil {
		t.Errorf("VerifyChain() with the captured root error = %v", err)
	}
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	cids := testCIDs(4)

	root, err := Root(cids)
	if err != nil {
		t.Fatalf("Root() error = %v", err)
	}

	tampered := append([]string(nil), cids...)
	tampered[2] = "zQm-replaced-cid"

	if err := VerifyChain(tampered, root); err == nil {
		t.Error("VerifyChain() accepted a replaced CID")
	}

	reordered := append([]string(nil), cids...)
	reordered[0], reordered[1] = reordered[1], reordered[0]

	if err := VerifyChain(reordered, root); err == nil {
		t.Error("VerifyChain() accepted reordered CIDs")
	}
}

func TestVerifyChainEmpty(t *testing.T) {
	if err := VerifyChain(nil, nil); err == nil {
		t.Error("VerifyChain() with no CIDs returned nil error")
	}
}

func TestVerifyContent(t *testing.T) {
	cids := testCIDs(4)

	ok, err := VerifyContent(cids, cids[2])
	if err != nil {
		t.Fatalf("VerifyContent() error = %v", err)
	}
	if !ok {
		t.Error("VerifyContent() = false for a member CID")
	}

	ok, err = VerifyContent(cids, "zQm-foreign-cid")
	if err != nil {
		t.Fatalf("VerifyContent() error = %v", err)
	}
	if ok {
		t.Error("VerifyContent() = true for a foreign CID")
	}
}
