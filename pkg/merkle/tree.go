// Package merkle builds Merkle trees over snapshot chunk CIDs so a
// snapshot's integrity can be verified long after it was captured.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/cbergoon/merkletree"
)

// Content implements merkletree.Content for a chunk CID.
type Content struct {
	cid string
}

// NewContent creates tree content from a CID.
func NewContent(cid string) Content {
	return Content{cid: cid}
}

// CalculateHash implements the Content interface.
func (c Content) CalculateHash() ([]byte, error) {
	h := sha256.New()
	if _, err := h.Write([]byte(c.cid)); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// Equals implements the Content interface.
func (c Content) Equals(other merkletree.Content) (bool, error) {
	otherContent, ok := other.(Content)
	if !ok {
		return false, fmt.Errorf("type mismatch")
	}
	return c.cid == otherContent.cid, nil
}

// BuildTree builds a Merkle tree from an ordered list of chunk CIDs.
func BuildTree(cids []string) (*merkletree.MerkleTree, error) {
	if len(cids) == 0 {
		return nil, fmt.Errorf("cannot build tree from empty CID list")
	}

	contents := make([]merkletree.Content, 0, len(cids))
	for _, cid := range cids {
		contents = append(contents, NewContent(cid))
	}

	tree, err := merkletree.NewTree(contents)
	if err != nil {
		return nil, fmt.Errorf("build merkle tree: %w", err)
	}

	return tree, nil
}

// Root returns the Merkle root of a snapshot's chunk CIDs.
func Root(cids []string) ([]byte, error) {
	tree, err := BuildTree(cids)
	if err != nil {
		return nil, err
	}
	return tree.MerkleRoot(), nil
}

// VerifyChain rebuilds the tree from the CIDs and compares its root with the
// value recorded at capture time.
func VerifyChain(cids []string, expectedRoot []byte) error {
	if len(cids) == 0 {
		return fmt.Errorf("cannot verify integrity with empty CID list")
	}

	tree, err := BuildTree(cids)
	if err != nil {
		return fmt.Errorf("build tree for verification: %w", err)
	}

	valid, err := tree.VerifyTree()
	if err != nil {
		return fmt.Errorf("tree verification failed: %w", err)
	}
	if !valid {
		return fmt.Errorf("tree structure is invalid")
	}

	if actual := tree.MerkleRoot(); !bytes.Equal(actual, expectedRoot) {
		return fmt.Errorf("merkle root mismatch: expected %x, got %x", expectedRoot, actual)
	}

	return nil
}

// VerifyContent checks that a single CID belongs to the tree built from cids.
func VerifyContent(cids []string, cid string) (bool, error) {
	tree, err := BuildTree(cids)
	if err != nil {
		return false, err
	}

	verified, err := tree.VerifyContent(NewContent(cid))
	if err != nil {
		return false, fmt.Errorf("verify content: %w", err)
	}

	return verified, nil
}
