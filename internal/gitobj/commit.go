package gitobj

import (
	"bytes"
	"fmt"
	"time"
)

// Commit references a tree and zero-or-more parents, with author/
// committer/timestamps/message (spec.md §3).
type Commit struct {
	Tree      OID
	Parents   []OID
	Author    string
	Committer string
	When      time.Time
	Message   string
}

// Encode serializes the commit into its object payload, git-style: one
// "tree"/"parent" header line per reference, then a blank line, then the
// message.
func (c Commit) Encode() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.Tree)
	for _, p := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	ts := c.When.UTC().Format(time.RFC3339)
	fmt.Fprintf(&buf, "author %s %s\n", c.Author, ts)
	fmt.Fprintf(&buf, "committer %s %s\n", c.Committer, ts)
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes()
}

// HashCommit encodes and hashes c.
func HashCommit(c Commit) (payload []byte, oid OID) {
	payload = c.Encode()
	oid = Hash(KindCommit, payload)
	return payload, oid
}
