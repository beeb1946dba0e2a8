package mqtt

import "strings"

// Topics builds topic names under a prefix.
type Topics struct {
	Prefix string
}

func (t Topics) join(leaf string) string {
	return strings.TrimSuffix(t.Prefix, "/") + "/" + leaf
}

func (t Topics) State() string        { return t.join("state") }
func (t Topics) Availability() string { return t.join("availability") }
func (t Topics) Set() string          { return t.join("set") }
func (t Topics) Response() string     { return t.join("response") }
func (t Topics) Link() string         { return t.join("link") }
