package softkeystore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mondei1/QRVault/native/authgate"
	"github.com/Mondei1/QRVault/native/devicekey"
)

// fastKDF keeps Argon2id cheap in tests.
var fastKDF = KDFParams{Time: 1, MemoryKiB: 64, Threads: 1}

const testPIN = "2468"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTestKeystore(t *testing.T, mutate ...func(*Options)) *Keystore {
	t.Helper()
	opts := Options{
		Path:       filepath.Join(t.TempDir(), "keystore.db"),
		Passphrase: []byte("test passphrase"),
		KDF:        fastKDF,
	}
	for _, m := range mutate {
		m(&opts)
	}
	ks, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ks.Close() })
	return ks
}

func pinSource(pin string) PINSource {
	return PINSourceFunc(func(context.Context, authgate.Prompt) ([]byte, error) {
		return []byte(pin), nil
	})
}

func authorize(t *testing.T, ks *Keystore, c devicekey.Cipher) {
	t.Helper()
	ch := authgate.NewChallenge(authgate.OperationSeal, c, authgate.DefaultPrompt(authgate.OperationSeal))
	outcome, err := ks.Authenticator(pinSource(testPIN)).Authenticate(context.Background(), ch)
	require.NoError(t, err)
	require.Equal(t, authgate.OutcomeSuccess, outcome)
}

func enrolledKey(t *testing.T, ks *Keystore) devicekey.KeyHandle {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, ks.EnrollCredential(ctx, []byte(testPIN)))
	key, err := ks.GenerateKey(ctx, devicekey.DefaultAlias, devicekey.DefaultPolicy())
	require.NoError(t, err)
	return key
}

func TestOpen_Validation(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, Options{Path: ":memory:", KDF: fastKDF})
	assert.Error(t, err, "passphrase is required")

	_, err = Open(ctx, Options{Path: ":memory:", Passphrase: []byte("x"), KDF: KDFParams{Time: 1}})
	assert.Error(t, err)
}

func TestOpen_Passphrase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keystore.db")
	opts := Options{Path: path, Passphrase: []byte("right"), KDF: fastKDF}

	ks, err := Open(ctx, opts)
	require.NoError(t, err)
	_, err = ks.GenerateKey(ctx, "k", devicekey.DefaultPolicy())
	require.NoError(t, err)
	require.NoError(t, ks.Close())

	opts.Passphrase = []byte("wrong")
	_, err = Open(ctx, opts)
	assert.ErrorIs(t, err, ErrWrongPassphrase)

	opts.Passphrase = []byte("right")
	ks, err = Open(ctx, opts)
	require.NoError(t, err)
	defer ks.Close()

	ok, err := ks.ContainsAlias(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCapability(t *testing.T) {
	ctx := context.Background()
	ks := openTestKeystore(t)

	assert.False(t, ks.IsDeviceSecure(ctx))
	assert.Equal(t, devicekey.StatusNoneEnrolled, ks.CanAuthenticate(ctx, devicekey.StrongOrCredential))

	assert.ErrorIs(t, ks.EnrollCredential(ctx, []byte("12")), ErrInvalidPIN)
	require.NoError(t, ks.EnrollCredential(ctx, []byte(testPIN)))

	assert.True(t, ks.IsDeviceSecure(ctx))
	assert.Equal(t, devicekey.StatusSuccess, ks.CanAuthenticate(ctx, devicekey.StrongOrCredential))
	assert.Equal(t, devicekey.StatusNoHardware, ks.CanAuthenticate(ctx, devicekey.BiometricStrong))
}

func TestGenerateKey(t *testing.T) {
	ctx := context.Background()
	ks := openTestKeystore(t)

	_, err := ks.GetKey(ctx, "missing")
	assert.ErrorIs(t, err, devicekey.ErrKeyNotFound)

	key, err := ks.GenerateKey(ctx, "alias", devicekey.DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, "alias", key.Alias())

	_, err = ks.GenerateKey(ctx, "alias", devicekey.DefaultPolicy())
	assert.ErrorIs(t, err, ErrAliasExists)

	weak := devicekey.DefaultPolicy()
	weak.RandomizedEncryptionRequired = false
	_, err = ks.GenerateKey(ctx, "weak", weak)
	assert.ErrorIs(t, err, devicekey.ErrInvalidPolicy)

	got, err := ks.GetKey(ctx, "alias")
	require.NoError(t, err)
	assert.Equal(t, devicekey.DefaultPolicy(), got.(*keyHandle).policy)

	require.NoError(t, ks.DeleteKey(ctx, "alias"))
	ok, err := ks.ContainsAlias(ctx, "alias")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCipher_RoundTrip(t *testing.T) {
	ks := openTestKeystore(t)
	key := enrolledKey(t, ks)

	enc, err := key.NewEncryptCipher()
	require.NoError(t, err)
	assert.Equal(t, devicekey.ModeEncrypt, enc.Mode())
	assert.Len(t, enc.IV(), devicekey.NonceSize)

	authorize(t, ks, enc)
	secret := []byte("correct horse battery staple")
	ct, err := enc.Final(secret)
	require.NoError(t, err)
	assert.Len(t, ct, len(secret)+devicekey.TagSize)

	dec, err := key.NewDecryptCipher(enc.IV())
	require.NoError(t, err)
	authorize(t, ks, dec)
	pt, err := dec.Final(ct)
	require.NoError(t, err)
	assert.Equal(t, secret, pt)
}

func TestCipher_RequiresFreshAuthorization(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	ks := openTestKeystore(t, func(o *Options) { o.Now = clk.Now })
	key := enrolledKey(t, ks)

	enc, err := key.NewEncryptCipher()
	require.NoError(t, err)

	_, err = enc.Final([]byte("secret"))
	assert.ErrorIs(t, err, devicekey.ErrUserNotAuthenticated)

	authorize(t, ks, enc)
	clk.Advance(authorizationTTL + time.Second)
	_, err = enc.Final([]byte("secret"))
	assert.ErrorIs(t, err, devicekey.ErrUserNotAuthenticated)

	authorize(t, ks, enc)
	_, err = enc.Final([]byte("secret"))
	require.NoError(t, err)

	_, err = enc.Final([]byte("secret"))
	assert.ErrorIs(t, err, devicekey.ErrCipherFinished, "one proof authorizes one operation")
}

func TestCipher_AuthorizationIsPerInstance(t *testing.T) {
	ks := openTestKeystore(t)
	key := enrolledKey(t, ks)

	first, err := key.NewEncryptCipher()
	require.NoError(t, err)
	second, err := key.NewEncryptCipher()
	require.NoError(t, err)

	authorize(t, ks, first)
	_, err = second.Final([]byte("secret"))
	assert.ErrorIs(t, err, devicekey.ErrUserNotAuthenticated)
}

func TestCipher_TamperedCiphertext(t *testing.T) {
	ks := openTestKeystore(t)
	key := enrolledKey(t, ks)

	enc, err := key.NewEncryptCipher()
	require.NoError(t, err)
	authorize(t, ks, enc)
	ct, err := enc.Final([]byte("secret"))
	require.NoError(t, err)

	ct[0] ^= 0x01
	dec, err := key.NewDecryptCipher(enc.IV())
	require.NoError(t, err)
	authorize(t, ks, dec)
	_, err = dec.Final(ct)
	assert.ErrorIs(t, err, devicekey.ErrTagMismatch)
}

func TestCipher_InvalidIV(t *testing.T) {
	ks := openTestKeystore(t)
	key := enrolledKey(t, ks)

	_, err := key.NewDecryptCipher(make([]byte, 8))
	assert.ErrorIs(t, err, devicekey.ErrInvalidIV)
}

func TestCipher_IVsNeverRepeat(t *testing.T) {
	ks := openTestKeystore(t)
	key := enrolledKey(t, ks)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		c, err := key.NewEncryptCipher()
		require.NoError(t, err)
		iv := string(c.IV())
		assert.False(t, seen[iv])
		seen[iv] = true
	}

	fresh, err := ks.reserveIV(context.Background(), devicekey.DefaultAlias, []byte(firstKey(seen)))
	require.NoError(t, err)
	assert.False(t, fresh, "recorded IVs must be refused")
}

func firstKey(m map[string]bool) string {
	for k := range m {
		return k
	}
	return ""
}

func TestAuthenticator_Outcomes(t *testing.T) {
	ctx := context.Background()
	ks := openTestKeystore(t)
	key := enrolledKey(t, ks)

	newChallenge := func(prompt authgate.Prompt) (*authgate.Challenge, devicekey.Cipher) {
		c, err := key.NewEncryptCipher()
		require.NoError(t, err)
		return authgate.NewChallenge(authgate.OperationSeal, c, prompt), c
	}
	prompt := authgate.DefaultPrompt(authgate.OperationSeal)

	t.Run("wrong PIN", func(t *testing.T) {
		ch, c := newChallenge(prompt)
		outcome, err := ks.Authenticator(pinSource("0000")).Authenticate(ctx, ch)
		assert.Equal(t, authgate.OutcomeRejected, outcome)
		assert.ErrorIs(t, err, ErrWrongPIN)
		_, err = c.Final([]byte("x"))
		assert.ErrorIs(t, err, devicekey.ErrUserNotAuthenticated)
	})

	t.Run("user dismisses prompt", func(t *testing.T) {
		ch, _ := newChallenge(prompt)
		src := PINSourceFunc(func(context.Context, authgate.Prompt) ([]byte, error) {
			return nil, ErrPINEntryCancelled
		})
		outcome, err := ks.Authenticator(src).Authenticate(ctx, ch)
		assert.Equal(t, authgate.OutcomeCancelled, outcome)
		assert.ErrorIs(t, err, ErrPINEntryCancelled)
	})

	t.Run("biometric only prompt", func(t *testing.T) {
		ch, _ := newChallenge(authgate.Prompt{Allowed: devicekey.BiometricStrong})
		outcome, err := ks.Authenticator(pinSource(testPIN)).Authenticate(ctx, ch)
		assert.Equal(t, authgate.OutcomeRejected, outcome)
		assert.ErrorIs(t, err, ErrBiometricUnavailable)
	})

	t.Run("foreign cipher", func(t *testing.T) {
		other := openTestKeystore(t)
		otherKey := enrolledKey(t, other)
		c, err := otherKey.NewEncryptCipher()
		require.NoError(t, err)

		ch := authgate.NewChallenge(authgate.OperationSeal, c, prompt)
		outcome, err := ks.Authenticator(pinSource(testPIN)).Authenticate(ctx, ch)
		assert.Equal(t, authgate.OutcomeRejected, outcome)
		assert.ErrorIs(t, err, ErrForeignCipher)
	})

	t.Run("through the gate", func(t *testing.T) {
		ch, c := newChallenge(prompt)
		gate := authgate.NewGate(ks.Authenticator(pinSource(testPIN)), time.Second)
		outcome, err := gate.Authenticate(ctx, ch)
		require.NoError(t, err)
		assert.Equal(t, authgate.OutcomeSuccess, outcome)
		_, err = c.Final([]byte("x"))
		assert.NoError(t, err)
	})
}

func TestAuthenticator_Lockout(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	ks := openTestKeystore(t, func(o *Options) {
		o.Now = clk.Now
		o.MaxAttempts = 3
		o.LockoutDuration = time.Minute
	})
	key := enrolledKey(t, ks)

	try := func(pin string) (authgate.Outcome, error) {
		c, err := key.NewEncryptCipher()
		require.NoError(t, err)
		ch := authgate.NewChallenge(authgate.OperationUnseal, c, authgate.DefaultPrompt(authgate.OperationUnseal))
		return ks.Authenticator(pinSource(pin)).Authenticate(ctx, ch)
	}

	for i := 0; i < 3; i++ {
		_, err := try("9999")
		assert.ErrorIs(t, err, ErrWrongPIN)
	}

	outcome, err := try(testPIN)
	assert.Equal(t, authgate.OutcomeRejected, outcome)
	assert.ErrorIs(t, err, ErrLockedOut)
	assert.Equal(t, devicekey.StatusLockedOut, ks.CanAuthenticate(ctx, devicekey.StrongOrCredential))

	clk.Advance(time.Minute + time.Second)
	outcome, err = try(testPIN)
	require.NoError(t, err)
	assert.Equal(t, authgate.OutcomeSuccess, outcome)
	assert.Equal(t, devicekey.StatusSuccess, ks.CanAuthenticate(ctx, devicekey.StrongOrCredential))
}

func TestClosedKeystore(t *testing.T) {
	ctx := context.Background()
	ks := openTestKeystore(t)
	require.NoError(t, ks.Close())
	require.NoError(t, ks.Close())

	_, err := ks.ContainsAlias(ctx, "x")
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, ks.IsDeviceSecure(ctx))
}
