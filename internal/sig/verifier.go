// Package sig validates OpenPGP-signed InRelease files and detached
// Release/Release.gpg pairs against a keyring assembled from system trust
// directories plus per-source signed-by hints.
package sig

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/aptly-dev/aptly/pgp"
)

var (
	// ErrMissingSignature means the input was not a cleartext-signed message
	// and the verifier's policy does not accept unsigned input.
	ErrMissingSignature = errors.New("sig: file is not signed")
	// ErrVerificationFailed means a signature layer failed to verify, the
	// signing key is not present in the keyring, or a message layer other
	// than a signature was encountered.
	ErrVerificationFailed = errors.New("sig: signature verification failed")
	// ErrMalformed means the message contains a non-signature layer.
	ErrMalformed = errors.New("sig: malformed signed message")
)

// Verifier wraps aptly's pgp.Verifier, carrying the trust policy an
// individual source can relax (trusted sources accept cleartext bodies
// without a valid signature).
type Verifier struct {
	pgp.Verifier
	// AcceptUnsigned lets an InRelease/Release body through without signature
	// verification: a plain body as is, a clearsigned one with its cleartext
	// extracted unchecked. Set for sources marked "trusted" in their config,
	// where the operator has already accepted the integrity risk.
	AcceptUnsigned bool
}

// NewVerifier builds a Verifier whose keyring is the union of every regular
// file under trustDirs (the system trust directories, e.g.
// /etc/apt/trusted.gpg and /etc/apt/trusted.gpg.d/*.gpg) and every key file
// path in signedBy. ASCII-armored key files are dearmored to a temporary
// file, since aptly's GoVerifier keyring loader expects binary keyrings;
// cleanup removes those temporary files once the caller is done with the
// Verifier. Each signedBy entry is opened as a file path; inline key text
// is not accepted.
func NewVerifier(trustDirs []string, signedBy []string) (*Verifier, func(), error) {
	verifier := &pgp.GoVerifier{}
	var cleanups []func()
	cleanup := func() {
		for _, fn := range cleanups {
			fn()
		}
	}

	for _, dir := range trustDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			cleanup()
			return nil, nil, fmt.Errorf("sig: read trust dir %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			verifier.AddKeyring(filepath.Join(dir, entry.Name()))
		}
	}

	for _, ref := range signedBy {
		keyFile, fnCleanup, err := prepareKeyFile(ref)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		if fnCleanup != nil {
			cleanups = append(cleanups, fnCleanup)
		}
		verifier.AddKeyring(keyFile)
	}

	if err := verifier.InitKeyring(false); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("sig: init keyring: %w", err)
	}

	return &Verifier{Verifier: verifier}, cleanup, nil
}

// VerifyClearsigned accepts UTF-8 text beginning with
// "-----BEGIN PGP SIGNED MESSAGE-----" and returns its cleartext body iff
// every signature layer verifies against the loaded keyring. Any
// non-signature message layer is a hard failure. With AcceptUnsigned set,
// the signature is not checked and the cleartext body is returned with no
// keys.
func (v *Verifier) VerifyClearsigned(file io.ReadSeeker) (io.ReadCloser, []pgp.Key, error) {
	isClearSigned, err := v.IsClearSigned(file)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if _, err := file.Seek(0, 0); err != nil {
		return nil, nil, err
	}

	if !isClearSigned {
		if !v.AcceptUnsigned {
			return nil, nil, ErrMissingSignature
		}
		return io.NopCloser(file), nil, nil
	}

	if v.AcceptUnsigned {
		rc, err := v.ExtractClearsigned(file)
		if err != nil {
			return nil, nil, err
		}
		return rc, nil, nil
	}

	keyInfo, err := v.Verifier.VerifyClearsigned(file, false)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	if _, err := file.Seek(0, 0); err != nil {
		return nil, nil, err
	}

	rc, err := v.ExtractClearsigned(file)
	if err != nil {
		return nil, nil, err
	}
	return rc, keyInfo.GoodKeys, nil
}

// VerifyDetached verifies a detached signature (Release + Release.gpg)
// against the loaded keyring; it never falls back to AcceptUnsigned, since a
// caller only reaches for detached verification when it already has both
// halves in hand.
func (v *Verifier) VerifyDetached(body, signature io.Reader) ([]pgp.Key, error) {
	keyInfo, err := v.Verifier.VerifyDetachedSignature(signature, body, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return keyInfo.GoodKeys, nil
}

// prepareKeyFile ensures ref (a filesystem path, possibly to an
// ASCII-armored key) is readable as a binary keyring file. ASCII-armored
// input is dearmored into a temporary file; the returned cleanup removes it.
// Callers must not assume the returned path survives past cleanup().
func prepareKeyFile(ref string) (string, func(), error) {
	f, err := os.Open(ref)
	if err != nil {
		return "", nil, fmt.Errorf("sig: open key %s: %w", ref, err)
	}
	defer func() { _ = f.Close() }()

	header := make([]byte, 5)
	n, _ := f.Read(header)
	if n != 5 || !bytes.Equal(header, []byte("-----")) {
		return ref, nil, nil
	}

	if _, err := f.Seek(0, 0); err != nil {
		return "", nil, err
	}

	keys, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		return "", nil, fmt.Errorf("sig: read armored key %s: %w", ref, err)
	}

	tmp, err := os.CreateTemp("", "oma-keyring-*.gpg")
	if err != nil {
		return "", nil, fmt.Errorf("sig: create temp keyring: %w", err)
	}

	for _, entity := range keys {
		if err := entity.Serialize(tmp); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return "", nil, fmt.Errorf("sig: serialize key: %w", err)
		}
	}

	name := tmp.Name()
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return "", nil, fmt.Errorf("sig: close temp keyring: %w", err)
	}

	return name, func() { _ = os.Remove(name) }, nil
}

// armorDecode dearmors an ASCII-armored OpenPGP object to its binary form.
func armorDecode(armored []byte) ([]byte, error) {
	block, err := armor.Decode(bytes.NewReader(armored))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(block.Body)
}
