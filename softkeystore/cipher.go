package softkeystore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mondei1/QRVault/native/devicekey"
)

// authorizationTTL is how long a presence proof stays valid for its cipher.
const authorizationTTL = 30 * time.Second

// ivAttempts bounds redraws when a random IV collides with a used one.
const ivAttempts = 3

var ErrPurposeNotAllowed = errors.New("key policy does not allow this operation")

type keyHandle struct {
	ks     *Keystore
	alias  string
	policy devicekey.KeyPolicy
}

func (h *keyHandle) Alias() string {
	return h.alias
}

func (h *keyHandle) NewEncryptCipher() (devicekey.Cipher, error) {
	if !h.policy.Purposes.Allows(devicekey.ModeEncrypt) {
		return nil, ErrPurposeNotAllowed
	}

	iv := make([]byte, devicekey.NonceSize)
	for attempt := 0; ; attempt++ {
		if attempt == ivAttempts {
			return nil, errors.New("failed to draw an unused IV")
		}
		if _, err := rand.Read(iv); err != nil {
			return nil, fmt.Errorf("failed to generate IV: %w", err)
		}
		fresh, err := h.ks.reserveIV(context.Background(), h.alias, iv)
		if err != nil {
			return nil, err
		}
		if fresh {
			break
		}
	}

	return h.newCipher(devicekey.ModeEncrypt, iv), nil
}

func (h *keyHandle) NewDecryptCipher(iv []byte) (devicekey.Cipher, error) {
	if !h.policy.Purposes.Allows(devicekey.ModeDecrypt) {
		return nil, ErrPurposeNotAllowed
	}
	if len(iv) != devicekey.NonceSize {
		return nil, fmt.Errorf("%w: %d bytes", devicekey.ErrInvalidIV, len(iv))
	}
	return h.newCipher(devicekey.ModeDecrypt, append([]byte(nil), iv...)), nil
}

func (h *keyHandle) newCipher(mode devicekey.Mode, iv []byte) *gcmCipher {
	return &gcmCipher{
		ks:     h.ks,
		alias:  h.alias,
		policy: h.policy,
		mode:   mode,
		iv:     iv,
	}
}

// gcmCipher is one AES-GCM operation. The key is unwrapped inside Final and
// zeroed before Final returns.
type gcmCipher struct {
	ks     *Keystore
	alias  string
	policy devicekey.KeyPolicy
	mode   devicekey.Mode
	iv     []byte

	mu           sync.Mutex
	authorizedAt time.Time
	finished     bool
}

func (c *gcmCipher) Mode() devicekey.Mode {
	return c.mode
}

func (c *gcmCipher) IV() []byte {
	return append([]byte(nil), c.iv...)
}

// authorize records a presence proof for this instance only.
func (c *gcmCipher) authorize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authorizedAt = c.ks.now()
}

func (c *gcmCipher) Final(input []byte) ([]byte, error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return nil, devicekey.ErrCipherFinished
	}
	if c.policy.UserAuthenticationRequired {
		if c.authorizedAt.IsZero() || c.ks.now().Sub(c.authorizedAt) > authorizationTTL {
			c.mu.Unlock()
			return nil, devicekey.ErrUserNotAuthenticated
		}
	}
	c.finished = true
	c.mu.Unlock()

	key, err := c.ks.rawKey(context.Background(), c.alias)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	switch c.mode {
	case devicekey.ModeEncrypt:
		return gcm.Seal(nil, c.iv, input, nil), nil
	case devicekey.ModeDecrypt:
		plaintext, err := gcm.Open(nil, c.iv, input, nil)
		if err != nil {
			return nil, devicekey.ErrTagMismatch
		}
		return plaintext, nil
	default:
		return nil, fmt.Errorf("unknown cipher mode %d", c.mode)
	}
}
