package wallet

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"strings"

	"github.com/tdex-network/tdex-keywallet/pkg/vault"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

const (
	seedIterations = 2048
	seedLen        = 64
	wordBits       = 11
)

// NewMnemonicOpts is the struct given to the NewMnemonic function
type NewMnemonicOpts struct {
	// EntropySize in bits, defaults to 128.
	EntropySize int
	// Wordlist defaults to EnglishWordlist.
	Wordlist WordlistProvider
}

func (o NewMnemonicOpts) validate() error {
	if o.EntropySize > 0 {
		if o.EntropySize < 128 || o.EntropySize > 256 || o.EntropySize%32 != 0 {
			return ErrInvalidEntropySize
		}
	}
	if o.EntropySize < 0 {
		return ErrInvalidEntropySize
	}
	return nil
}

// NewMnemonic returns a new mnemonic phrase with embedded checksum.
func NewMnemonic(opts NewMnemonicOpts) (string, error) {
	if err := opts.validate(); err != nil {
		return "", err
	}
	if opts.EntropySize == 0 {
		opts.EntropySize = 128
	}

	entropy, err := bip39.NewEntropy(opts.EntropySize)
	if err != nil {
		return "", err
	}
	defer vault.Zero(entropy)

	words := entropyToWords(entropy, wordlistOrDefault(opts.Wordlist))
	return strings.Join(words, " "), nil
}

// ValidateMnemonic returns ErrInvalidMnemonic if the phrase has a bad word
// count, contains words not in the list or has a checksum mismatch.
func ValidateMnemonic(mnemonic string, wordlist WordlistProvider) error {
	entropy, err := mnemonicToEntropy(mnemonic, wordlistOrDefault(wordlist))
	if err != nil {
		return err
	}
	vault.Zero(entropy)
	return nil
}

// SeedManager turns mnemonics into seeds held by a vault.
type SeedManager struct {
	vault    *vault.Vault
	wordlist WordlistProvider
}

// NewSeedManager returns a seed manager storing seeds into v. A nil wordlist
// means EnglishWordlist.
func NewSeedManager(v *vault.Vault, wordlist WordlistProvider) *SeedManager {
	return &SeedManager{v, wordlistOrDefault(wordlist)}
}

// GenerateMnemonic returns a new phrase for the given entropy size.
func (m *SeedManager) GenerateMnemonic(entropyBits int) (string, error) {
	if entropyBits == 0 {
		return "", ErrInvalidEntropySize
	}
	return NewMnemonic(NewMnemonicOpts{
		EntropySize: entropyBits,
		Wordlist:    m.wordlist,
	})
}

// ValidateMnemonic ...
func (m *SeedManager) ValidateMnemonic(mnemonic string) error {
	return ValidateMnemonic(mnemonic, m.wordlist)
}

// SeedFromMnemonic stretches the phrase and the optional passphrase into a
// 64-byte BIP39 seed and stores it in the vault. Only the handle is returned.
func (m *SeedManager) SeedFromMnemonic(
	mnemonic, passphrase string,
) (vault.Handle, error) {
	if err := m.ValidateMnemonic(mnemonic); err != nil {
		return vault.Handle{}, err
	}

	password := []byte(normalizeMnemonic(mnemonic))
	salt := []byte(norm.NFKD.String("mnemonic" + passphrase))
	defer vault.Zero(password)
	defer vault.Zero(salt)

	seed := pbkdf2.Key(password, salt, seedIterations, seedLen, sha512.New)
	return m.vault.Store(seed)
}

func wordlistOrDefault(wordlist WordlistProvider) WordlistProvider {
	if wordlist == nil {
		return EnglishWordlist
	}
	return wordlist
}

func normalizeMnemonic(mnemonic string) string {
	return strings.Join(strings.Fields(norm.NFKD.String(mnemonic)), " ")
}

func entropyToWords(entropy []byte, wordlist WordlistProvider) []string {
	checksum := sha256.Sum256(entropy)
	entropyBits := len(entropy) * 8
	count := (entropyBits + entropyBits/32) / wordBits

	// checksum is at most 8 bits long, the first hash byte is enough
	data := make([]byte, len(entropy)+1)
	copy(data, entropy)
	data[len(entropy)] = checksum[0]
	defer vault.Zero(data)

	words := make([]string, count)
	for i := range words {
		index := 0
		for j := 0; j < wordBits; j++ {
			bit := i*wordBits + j
			index <<= 1
			if data[bit/8]&(0x80>>(bit%8)) != 0 {
				index |= 1
			}
		}
		words[i] = wordlist.Word(index)
	}
	return words
}

func mnemonicToEntropy(mnemonic string, wordlist WordlistProvider) ([]byte, error) {
	words := strings.Fields(norm.NFKD.String(mnemonic))
	switch len(words) {
	case 12, 15, 18, 21, 24:
	default:
		return nil, fmt.Errorf(
			"%w: word count must be one of 12, 15, 18, 21 or 24, got %d",
			ErrInvalidMnemonic, len(words),
		)
	}

	totalBits := len(words) * wordBits
	checksumBits := totalBits / 33
	entropyBits := totalBits - checksumBits

	data := make([]byte, (totalBits+7)/8)
	defer vault.Zero(data)
	for i, word := range words {
		index, ok := wordlist.Index(word)
		if !ok {
			return nil, fmt.Errorf("%w: unknown word at position %d", ErrInvalidMnemonic, i+1)
		}
		for j := 0; j < wordBits; j++ {
			if index&(1<<(wordBits-1-j)) != 0 {
				bit := i*wordBits + j
				data[bit/8] |= 0x80 >> (bit % 8)
			}
		}
	}

	entropy := make([]byte, entropyBits/8)
	copy(entropy, data)

	checksum := sha256.Sum256(entropy)
	got := data[len(entropy)] >> (8 - checksumBits)
	expected := checksum[0] >> (8 - checksumBits)
	if got != expected {
		vault.Zero(entropy)
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidMnemonic)
	}
	return entropy, nil
}
