package credentials

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/clocktown/townsync/internal/types"
)

var ErrEmptyToken = errors.New("empty credential")

// Claims is the session credential handed to a client on every successful
// join. It is scoped to the user, not the joined game, so ordinary game
// switches never look like a rotation. Epoch is bumped server-side to force
// every client onto a fresh connection.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Epoch  int    `json:"cred_epoch"`
}

// Issuer mints session credentials. HS256 with a shared secret; issuance
// mechanics beyond what rotation detection needs are out of scope here.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	epoch  int
	now    func() time.Time
}

func NewIssuer(secret []byte, ttl time.Duration, epoch int) *Issuer {
	return &Issuer{secret: secret, ttl: ttl, epoch: epoch, now: time.Now}
}

func (i *Issuer) Issue(userID types.UserID) (string, error) {
	now := i.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		UserID: string(userID),
		Epoch:  i.epoch,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign session credential: %w", err)
	}
	return token, nil
}

// volatile claims ignored by rotation comparison: every reissue moves these
// even when the credential is otherwise the same.
var volatileClaims = map[string]struct{}{
	"exp": {},
	"iat": {},
	"nbf": {},
}

// RotationKey reduces a credential to a stable identity: the signing
// algorithm plus every non-volatile claim, hashed. Two credentials with the
// same key differ only in expiry bookkeeping and must not trigger a
// connection replace. The token is deliberately not verified; the client
// holding it has no key material.
func RotationKey(token string) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("parse credential: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("unexpected claims type")
	}

	keys := make([]string, 0, len(claims))
	for k := range claims {
		if _, skip := volatileClaims[k]; skip {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	fmt.Fprintf(h, "alg=%s;", parsed.Method.Alg())
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v;", k, claims[k])
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
