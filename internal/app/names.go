package app

import "strings"

// Namer derives index and alias names from a deployment-wide root prefix.
type Namer struct {
	Root string
}

// Names holds the derived names for one doc type.
type Names struct {
	Read   string
	Write  string
	Prefix string
}

// For returns the names for docType.
func (n Namer) For(docType string) Names {
	base := n.Root + "-" + docType
	return Names{
		Read:   base + "-read",
		Write:  base + "-write",
		Prefix: base + "-",
	}
}

// Index returns the physical index name for a schema fingerprint.
func (n Names) Index(fp string) string {
	return n.Prefix + fp
}

// Fingerprint extracts the fingerprint from a physical index name. It
// returns "" when the index was not created under this prefix.
func (n Names) Fingerprint(index string) string {
	fp, ok := strings.CutPrefix(index, n.Prefix)
	if !ok || fp == "read" || fp == "write" {
		return ""
	}
	return fp
}
