package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// FileHash computes the content hash stored on file entities and used by
// the sync pipeline to short-circuit unchanged files.
func FileHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])[:16]
}

// BodyHash hashes the normalized AST of a declaration body so that
// formatting-only edits do not register as implementation changes.
// Returns empty for declarations without a body.
func BodyHash(node *sitter.Node, source []byte) string {
	body := childByField(node, "body")
	if body == nil {
		return ""
	}
	normalized := normalizeAST(body, source)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

// normalizeAST flattens a subtree to a string capturing node types and leaf
// content while dropping comments and positions.
func normalizeAST(node *sitter.Node, source []byte) string {
	var sb strings.Builder
	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		if n == nil || n.Type() == "comment" {
			return
		}
		sb.WriteString(n.Type())
		sb.WriteByte('(')
		if n.ChildCount() == 0 && n.EndByte() <= uint32(len(source)) {
			sb.Write(source[n.StartByte():n.EndByte()])
		}
		for i := uint32(0); i < n.ChildCount(); i++ {
			visit(n.Child(int(i)))
		}
		sb.WriteByte(')')
	}
	visit(node)
	return sb.String()
}

// shortHash returns an 8-char hex digest used as a symbol disambiguator.
func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:8]
}
