package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"time"
)

var (
	deviceIDPattern = regexp.MustCompile(`^[a-z]+-[a-z]+-\d{2}$`)
	pinPattern      = regexp.MustCompile(`^\d{6}$`)
)

// Word lists for pronounceable device identifiers (word-word-NN).
var (
	deviceAdjectives = []string{
		"swift", "quiet", "brave", "calm", "eager", "fuzzy", "gentle",
		"happy", "jolly", "keen", "lucky", "merry", "noble", "proud",
		"rapid", "sharp", "sunny", "tidy", "vivid", "witty",
	}
	deviceAnimals = []string{
		"tiger", "otter", "falcon", "badger", "heron", "lynx", "mole",
		"newt", "osprey", "panda", "quail", "raven", "seal", "stork",
		"viper", "walrus", "wren", "yak", "zebra", "bison",
	}
)

// GeneratePIN returns a 6-digit decimal pairing code, uniformly distributed
// over 000000..999999. Leading zeros are preserved.
func GeneratePIN() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate pin: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// GenerateDeviceID returns a pronounceable device identifier like
// "swift-tiger-42".
func GenerateDeviceID() (string, error) {
	adj, err := rand.Int(rand.Reader, big.NewInt(int64(len(deviceAdjectives))))
	if err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	animal, err := rand.Int(rand.Reader, big.NewInt(int64(len(deviceAnimals))))
	if err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	num, err := rand.Int(rand.Reader, big.NewInt(100))
	if err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	return fmt.Sprintf("%s-%s-%02d", deviceAdjectives[adj.Int64()], deviceAnimals[animal.Int64()], num.Int64()), nil
}

// GenerateMobileID returns a 32-hex-char identifier from 16 random bytes.
// The room addresses a mobile attachment by this id, not by the device id.
func GenerateMobileID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate mobile id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateSessionID returns a base36 millisecond timestamp joined with 8 hex
// chars of randomness. Unique within a host, which is all the PTY manager
// needs.
func GenerateSessionID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + hex.EncodeToString(b), nil
}

// ValidDeviceID reports whether s matches the word-word-NN pattern.
func ValidDeviceID(s string) bool {
	return deviceIDPattern.MatchString(s)
}

// ValidPIN reports whether s is exactly six decimal digits.
func ValidPIN(s string) bool {
	return pinPattern.MatchString(s)
}
