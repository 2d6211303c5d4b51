package settlement

import (
	"time"

	"github.com/patrickmn/go-cache"
)

const pinTTL = time.Hour

// Signed is a transfer signed for one payment.
type Signed struct {
	Hash string
	Raw  string
	// Seq is the account nonce or sequence the transfer consumes.
	Seq uint64
}

// Pins keeps the signed transfer of each in-flight payment, keyed by
// Options.Reference. A resend broadcasts the same transaction, so the node
// treats it as a duplicate instead of a second payment.
type Pins struct {
	items *cache.Cache
}

func NewPins() *Pins {
	return &Pins{items: cache.New(pinTTL, 10*time.Minute)}
}

func (p *Pins) Get(ref string) (Signed, bool) {
	if ref == "" {
		return Signed{}, false
	}
	v, ok := p.items.Get(ref)
	if !ok {
		return Signed{}, false
	}
	return v.(Signed), true
}

func (p *Pins) Put(ref string, s Signed) {
	if ref == "" {
		return
	}
	p.items.SetDefault(ref, s)
}

// Drop forgets the transfer of ref. Used once it is confirmed or known to be
// rejected by the network.
func (p *Pins) Drop(ref string) {
	if ref != "" {
		p.items.Delete(ref)
	}
}
