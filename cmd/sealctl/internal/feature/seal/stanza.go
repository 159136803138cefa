package seal

import (
	"fmt"
	"strings"
)

// KeyRef names the transit wrapping key every cluster node unseals
// against. Created once by transit bootstrap and never deleted while
// the cluster exists: deleting it would make the cluster permanently
// unsealable.
type KeyRef struct {
	KeyName   string
	MountPath string
}

// Credential is the wrap/unwrap-only token cluster nodes present to
// the transit instance during their unseal callback. It must never be
// granted more than encrypt/decrypt on the single key.
type Credential struct {
	Token  string
	Policy string
}

// Stanza is the validated seal configuration injected into a node's
// startup configuration before the node process starts.
type Stanza struct {
	TransitAddr string
	KeyName     string
	MountPath   string
	Token       string
	TLSSkip     bool
}

// NodeSeal pairs a node with the stanza composed for it, for
// cross-node validation.
type NodeSeal struct {
	NodeAddr string
	Seal     Stanza
}

// Compose builds the seal stanza for one node. Pure composition, no
// API calls.
func Compose(transitAddr string, ref KeyRef, cred Credential, tlsSkip bool) (Stanza, error) {
	s := Stanza{
		TransitAddr: transitAddr,
		KeyName:     ref.KeyName,
		MountPath:   ref.MountPath,
		Token:       cred.Token,
		TLSSkip:     tlsSkip,
	}
	if err := s.Validate(); err != nil {
		return Stanza{}, err
	}
	return s, nil
}

// Validate rejects incomplete stanzas before anything is written out.
func (s Stanza) Validate() error {
	switch {
	case s.TransitAddr == "":
		return fmt.Errorf("seal stanza: transit address is empty")
	case s.KeyName == "":
		return fmt.Errorf("seal stanza: key name is empty")
	case s.MountPath == "":
		return fmt.Errorf("seal stanza: mount path is empty")
	case s.Token == "":
		return fmt.Errorf("seal stanza: token is empty")
	}
	return nil
}

// Render emits the stanza as HCL for a node's server configuration.
func (s Stanza) Render() string {
	var b strings.Builder
	b.WriteString("seal \"transit\" {\n")
	fmt.Fprintf(&b, "  address         = %q\n", s.TransitAddr)
	fmt.Fprintf(&b, "  token           = %q\n", s.Token)
	fmt.Fprintf(&b, "  key_name        = %q\n", s.KeyName)
	fmt.Fprintf(&b, "  mount_path      = %q\n", strings.TrimRight(s.MountPath, "/")+"/")
	fmt.Fprintf(&b, "  tls_skip_verify = %t\n", s.TLSSkip)
	b.WriteString("}\n")
	return b.String()
}

// ValidateUniform checks that every node carries an identical seal
// configuration. A mismatch is a configuration-integrity error caught
// here, before any node process starts, not a runtime failure later.
func ValidateUniform(seals []NodeSeal) error {
	if len(seals) == 0 {
		return fmt.Errorf("no node seal configurations to validate")
	}

	ref := seals[0].Seal
	for _, ns := range seals[1:] {
		if ns.Seal != ref {
			return fmt.Errorf(
				"seal configuration mismatch: node %q differs from node %q",
				ns.NodeAddr, seals[0].NodeAddr,
			)
		}
	}
	return nil
}
