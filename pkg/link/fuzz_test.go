// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"errors"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

// newFuzzRng creates a new random number generator and logs the seed for reproducibility
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

var knownKinds = []Kind{
	KindEstablish, KindEstablishAck, KindKeepAlive,
	KindStatus, KindCommand, KindCommandAck, KindClose,
}

func randomPacket(rng *rand.Rand) *Packet {
	p := &Packet{
		Kind:      knownKinds[rng.Intn(len(knownKinds))],
		SessionID: rng.Uint32(),
		Seq:       rng.Uint32(),
	}
	if n := rng.Intn(MaxPayloadSize + 1); n > 0 {
		p.Payload = make([]byte, n)
		rng.Read(p.Payload)
	}
	return p
}

func randomKey(rng *rand.Rand) []byte {
	if rng.Intn(4) == 0 {
		return nil
	}
	key := make([]byte, rng.Intn(MaxKeySize)+1)
	rng.Read(key)
	return key
}

// ============================================================
// Codec Fuzz Tests
// ============================================================

// TestFuzzCodec_RoundTrip checks decode(encode(p, key), key) == p
func TestFuzzCodec_RoundTrip(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		p := randomPacket(rng)
		key := randomKey(rng)

		data, err := Encode(p, key)
		if err != nil {
			t.Fatalf("Round %d: Encode: %v", i, err)
		}
		got, err := Decode(data, key)
		if err != nil {
			t.Fatalf("Round %d: Decode: %v", i, err)
		}
		if !got.Equal(p) {
			t.Fatalf("Round %d: round trip mismatch", i)
		}
	}
}

// TestFuzzCodec_RandomBytes feeds random bytes to the decoder and framer
// and verifies they don't panic
func TestFuzzCodec_RandomBytes(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	f := NewFramer()
	for i := 0; i < rounds; i++ {
		data := make([]byte, rng.Intn(512)+1)
		rng.Read(data)
		if rng.Intn(2) == 0 {
			data[0] = StartByte
			data[len(data)-1] = EndByte
		}

		Decode(data, testKey)
		Decode(data, nil)
		f.Feed(data)
	}
}

// TestFuzzCodec_CorruptedByte flips one body byte without fixing the CRC.
// CRC-16-CCITT detects every single-byte error, so decoding must report
// Malformed.
func TestFuzzCodec_CorruptedByte(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		key := randomKey(rng)
		data, err := Encode(randomPacket(rng), key)
		if err != nil {
			t.Fatalf("Round %d: Encode: %v", i, err)
		}

		body, err := UnstuffBytes(data[1 : len(data)-1])
		if err != nil {
			t.Fatalf("Round %d: UnstuffBytes: %v", i, err)
		}
		body[rng.Intn(len(body))] ^= byte(rng.Intn(255) + 1)

		_, err = Decode(frame(body), key)
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("Round %d: err = %v, want ErrMalformed", i, err)
		}
	}
}

// TestFuzzCodec_Truncated cuts frames short at random points
func TestFuzzCodec_Truncated(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		key := randomKey(rng)
		data, err := Encode(randomPacket(rng), key)
		if err != nil {
			t.Fatalf("Round %d: Encode: %v", i, err)
		}

		cut := rng.Intn(len(data) - 1)
		if _, err := Decode(data[:cut], key); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Round %d: cut at %d: err = %v, want ErrMalformed", i, cut, err)
		}

		// Re-terminated truncation still fails as malformed
		reterminated := append(append([]byte(nil), data[:cut]...), EndByte)
		if cut > 0 {
			if _, err := Decode(reterminated, key); !errors.Is(err, ErrMalformed) {
				t.Fatalf("Round %d: reterminated cut at %d: err = %v, want ErrMalformed", i, cut, err)
			}
		}
	}
}

// TestFuzzCodec_WrongKey checks every packet under a different key fails auth
func TestFuzzCodec_WrongKey(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		key := []byte{byte(rng.Intn(256)), 1}
		wrong := []byte{key[0] ^ 0xFF, 1}

		data, err := Encode(randomPacket(rng), key)
		if err != nil {
			t.Fatalf("Round %d: Encode: %v", i, err)
		}
		if _, err := Decode(data, wrong); !errors.Is(err, ErrAuthFailed) {
			t.Fatalf("Round %d: err = %v, want ErrAuthFailed", i, err)
		}
	}
}
