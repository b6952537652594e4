package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/tidemark-io/tidemark/pkg/interval"
)

const hashLen = 16

// Fingerprint is the content-hash pair of a node. DataHash covers anything
// that affects the produced data; MetadataHash covers cosmetic content such
// as descriptions. Two nodes with equal DataHash produce the same data.
type Fingerprint struct {
	DataHash     string `json:"data_hash"`
	MetadataHash string `json:"metadata_hash"`
}

// ToVersion derives the stable version identifier for a breaking change.
// Non-breaking categories reuse a prior version instead; see CategorizeAs.
func (f Fingerprint) ToVersion() string { return f.DataHash }

// ToIdentifier derives the snapshot identifier covering both hashes, so a
// metadata-only edit still produces a distinct snapshot.
func (f Fingerprint) ToIdentifier() string {
	return hashFields("identifier", f.DataHash, f.MetadataHash)
}

// IsZero reports whether the fingerprint has not been computed.
func (f Fingerprint) IsZero() bool { return f.DataHash == "" && f.MetadataHash == "" }

// FingerprintNode computes a node's fingerprint. Upstream fingerprints feed
// into the data hash, so a data-affecting change anywhere in a node's
// ancestry changes the fingerprints of everything downstream. The nodes map
// must contain every reference reachable from the node.
func FingerprintNode(node *Node, nodes map[string]*Node) Fingerprint {
	cache := make(map[string]Fingerprint, len(nodes))
	return fingerprintNode(node, nodes, cache)
}

func fingerprintNode(node *Node, nodes map[string]*Node, cache map[string]Fingerprint) Fingerprint {
	if fp, ok := cache[node.Name]; ok {
		return fp
	}
	// Claim the slot before recursing so a self-referential node terminates.
	cache[node.Name] = Fingerprint{}

	dataFields := []string{
		node.Name,
		node.Query,
		string(node.Kind),
		string(node.Unit),
		string(node.Cron),
		fmt.Sprintf("%d", node.Start),
	}
	for _, col := range sortedColumns(node.Columns) {
		dataFields = append(dataFields, col)
	}

	refs := append([]string(nil), node.References...)
	sort.Strings(refs)
	for _, ref := range refs {
		if ref == node.Name {
			continue
		}
		if parent, ok := nodes[ref]; ok {
			dataFields = append(dataFields, fingerprintNode(parent, nodes, cache).DataHash)
		} else {
			// Unresolvable reference; hash its name so at least renames are
			// detected.
			dataFields = append(dataFields, ref)
		}
	}

	fp := Fingerprint{
		DataHash:     hashFields("data", dataFields...),
		MetadataHash: hashFields("metadata", node.Description, node.TTL),
	}
	cache[node.Name] = fp
	return fp
}

func sortedColumns(columns map[string]string) []string {
	if columns == nil {
		return nil
	}
	out := make([]string, 0, len(columns))
	for name, typ := range columns {
		out = append(out, name+":"+typ)
	}
	sort.Strings(out)
	return out
}

func hashFields(kind string, fields ...string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	for _, f := range fields {
		h.Write([]byte{0})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))[:hashLen]
}

// unitOrDefault guards against nodes loaded from older state that predate
// an explicit cadence.
func unitOrDefault(u interval.Unit) interval.Unit {
	if u == "" {
		return interval.Day
	}
	return u
}
