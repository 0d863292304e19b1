package keys

import (
	"encoding/base64"
	"strings"
	"testing"
)

func testKeyMaterial(b byte) string {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = b
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

func TestKeyring_SealOpenRoundTrip(t *testing.T) {
	kr, err := NewKeyring(1, map[int]string{1: testKeyMaterial(0x11)})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}

	sealed, err := kr.Seal("gw_live_secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !strings.HasPrefix(sealed, "v1:") {
		t.Errorf("sealed blob should carry version stamp, got %s", sealed)
	}

	plain, err := kr.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if plain != "gw_live_secret" {
		t.Errorf("round trip mismatch: %q", plain)
	}
}

func TestKeyring_Rotation(t *testing.T) {
	old, err := NewKeyring(1, map[int]string{1: testKeyMaterial(0x11)})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	sealed, err := old.Seal("gw_live_oldkey")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	// Rotated ring keeps v1 for reads, seals with v2.
	rotated, err := NewKeyring(2, map[int]string{
		1: testKeyMaterial(0x11),
		2: testKeyMaterial(0x22),
	})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}

	plain, err := rotated.Open(sealed)
	if err != nil {
		t.Fatalf("open v1 blob with rotated ring: %v", err)
	}
	if plain != "gw_live_oldkey" {
		t.Errorf("round trip mismatch: %q", plain)
	}

	resealed, err := rotated.Seal("gw_live_newkey")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !strings.HasPrefix(resealed, "v2:") {
		t.Errorf("new seals must use the active version, got %s", resealed)
	}
}

func TestKeyring_WrongKeyFails(t *testing.T) {
	a, _ := NewKeyring(1, map[int]string{1: testKeyMaterial(0x11)})
	b, _ := NewKeyring(1, map[int]string{1: testKeyMaterial(0x22)})

	sealed, err := a.Seal("gw_live_secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := b.Open(sealed); err == nil {
		t.Error("opening with the wrong key material must fail")
	}
}

func TestKeyring_MissingVersion(t *testing.T) {
	kr, _ := NewKeyring(1, map[int]string{1: testKeyMaterial(0x11)})
	if _, err := kr.Open("v9:AAAA"); err == nil {
		t.Error("unknown key version must fail")
	}
}

func TestKeyring_MalformedBlob(t *testing.T) {
	kr, _ := NewKeyring(1, map[int]string{1: testKeyMaterial(0x11)})
	for _, blob := range []string{"", "v1", "1:abc", "v1:!!!", "vx:abc"} {
		if _, err := kr.Open(blob); err == nil {
			t.Errorf("expected error for %q", blob)
		}
	}
}

func TestKeyring_EmptyMaterialDisablesSealing(t *testing.T) {
	kr, err := NewKeyring(1, nil)
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	if kr != nil {
		t.Fatal("empty material should yield a nil keyring")
	}
	if _, err := kr.Seal("gw_live_x"); err != ErrNoKeyring {
		t.Errorf("expected ErrNoKeyring, got %v", err)
	}
}

func TestKeyring_ActiveVersionMissing(t *testing.T) {
	if _, err := NewKeyring(2, map[int]string{1: testKeyMaterial(0x11)}); err == nil {
		t.Error("active version absent from material must fail")
	}
}
