package wire

import (
	"github.com/rookery-im/rookery-go/core"
	"github.com/rookery-im/rookery-go/core/identity"
)

// SignItem sets the author signature on it. The item's Author must be kp's
// peer ID.
func SignItem(kp *identity.KeyPair, it *core.Item) {
	it.Sig = kp.Sign(it.SignedMessage())
}

// VerifyItem reports whether the item's signature is valid under its
// author's key.
func VerifyItem(it *core.Item) bool {
	return identity.Verify(it.Author.Bytes(), it.SignedMessage(), it.Sig)
}
