package seal

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStanza() Stanza {
	ref := KeyRef{KeyName: "autounseal", MountPath: "transit"}
	cred := Credential{Token: "unseal-token", Policy: "cluster1-unseal"}
	s, _ := Compose("https://transit:8200", ref, cred, false)
	return s
}

func TestCompose(t *testing.T) {
	t.Run("given complete inputs then stanza validates", func(t *testing.T) {
		ref := KeyRef{KeyName: "autounseal", MountPath: "transit"}
		cred := Credential{Token: "unseal-token"}

		s, err := Compose("https://transit:8200", ref, cred, false)
		require.NoError(t, err)
		assert.Equal(t, "autounseal", s.KeyName)
		assert.Equal(t, "transit", s.MountPath)
	})

	t.Run("given missing token then rejected", func(t *testing.T) {
		ref := KeyRef{KeyName: "autounseal", MountPath: "transit"}

		_, err := Compose("https://transit:8200", ref, Credential{}, false)
		assert.Error(t, err)
	})

	t.Run("given missing key name then rejected", func(t *testing.T) {
		ref := KeyRef{MountPath: "transit"}

		_, err := Compose("https://transit:8200", ref, Credential{Token: "x"}, false)
		assert.Error(t, err)
	})
}

func TestRender(t *testing.T) {
	t.Run("given stanza then hcl carries every field", func(t *testing.T) {
		out := testStanza().Render()

		assert.True(t, strings.HasPrefix(out, `seal "transit" {`))
		assert.Contains(t, out, `address         = "https://transit:8200"`)
		assert.Contains(t, out, `token           = "unseal-token"`)
		assert.Contains(t, out, `key_name        = "autounseal"`)
		assert.Contains(t, out, `mount_path      = "transit/"`)
		assert.Contains(t, out, `tls_skip_verify = false`)
	})
}

func TestValidateUniform(t *testing.T) {
	t.Run("given identical stanzas then accepted", func(t *testing.T) {
		s := testStanza()
		seals := []NodeSeal{
			{NodeAddr: "https://vault1:8200", Seal: s},
			{NodeAddr: "https://vault2:8200", Seal: s},
			{NodeAddr: "https://vault3:8200", Seal: s},
		}

		assert.NoError(t, ValidateUniform(seals))
	})

	t.Run("given one node with a different token then integrity error", func(t *testing.T) {
		good := testStanza()
		bad := good
		bad.Token = "other-token"

		seals := []NodeSeal{
			{NodeAddr: "https://vault1:8200", Seal: good},
			{NodeAddr: "https://vault2:8200", Seal: bad},
		}

		err := ValidateUniform(seals)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "vault2")
	})

	t.Run("given empty set then rejected", func(t *testing.T) {
		assert.Error(t, ValidateUniform(nil))
	})
}
