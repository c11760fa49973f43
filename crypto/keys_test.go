package crypto

import (
	"testing"

	"github.com/btcsuite/btcutil/bech32"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()

	decoded, err := DecodeAddress(addr.String())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Equal(addr) {
		t.Fatalf("round trip mismatch: %s vs %s", decoded, addr)
	}
	if decoded.Prefix() != HubPrefix {
		t.Fatalf("prefix: got %s", decoded.Prefix())
	}
}

func TestDecodeAddressRejectsBadInput(t *testing.T) {
	if _, err := DecodeAddress("not-bech32"); err == nil {
		t.Fatalf("garbage must not decode")
	}

	// A well-formed bech32 string whose payload is not 20 bytes must come
	// back as an error, not reach NewAddress.
	conv, err := bech32.ConvertBits(make([]byte, 8), 8, 5, true)
	if err != nil {
		t.Fatalf("convert bits: %v", err)
	}
	short, err := bech32.Encode(string(HubPrefix), conv)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeAddress(short); err == nil {
		t.Fatalf("short payload must not decode")
	}
}
