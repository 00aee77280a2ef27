package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"

	"github.com/wolfeidau/mintcache"
	"github.com/wolfeidau/mintcache/arweave"
	"github.com/wolfeidau/mintcache/ledger"
	"github.com/wolfeidau/mintcache/materialize"
)

var demoOwners = []mintcache.Principal{"demo-alice", "demo-bob", "demo-carol"}

// demo is an in-memory ledger whose content ids resolve to generated
// placeholder images.
type demo struct {
	ledger *ledger.Memory
	colors map[mintcache.ContentID]color.RGBA
}

func newDemo(perCollection int) *demo {
	d := &demo{
		ledger: ledger.NewMemory(),
		colors: make(map[mintcache.ContentID]color.RGBA),
	}
	for _, c := range []mintcache.Collection{mintcache.Primary, mintcache.Derived} {
		key := materialize.PrimaryContentKey
		if c == mintcache.Derived {
			key = materialize.DerivedContentKey
		}
		for i := range perCollection {
			h := mintcache.HashBytes(fmt.Appendf(nil, "demo/%s/%d", c, i))
			cid := mintcache.ContentIDFromHash(h)
			d.colors[cid] = color.RGBA{R: h[0], G: h[1], B: h[2], A: 0xff}

			id := d.ledger.Mint(c, demoOwners[i%len(demoOwners)], ledger.Metadata{
				key: arweave.DefaultGatewayURL + "/" + cid.String(),
			})
			d.ledger.SetBalances(mintcache.Subaccount(c, id), mintcache.Balances{
				"GLD": uint64(h[3]),
				"SLV": uint64(h[4]) * 10,
			})
		}
	}
	return d
}

// Fetch renders the placeholder for a content id or gateway URL.
func (d *demo) Fetch(_ context.Context, locator string) (io.ReadCloser, string, error) {
	cid := mintcache.ContentID(locator[strings.LastIndexByte(locator, '/')+1:])
	c, ok := d.colors[cid]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", arweave.ErrNotFound, locator)
	}

	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := range 64 {
		for x := range 64 {
			shade := uint8((x + y) * 2)
			img.SetRGBA(x, y, color.RGBA{R: c.R ^ shade, G: c.G, B: c.B ^ shade, A: 0xff})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, "", err
	}
	return io.NopCloser(&buf), "image/png", nil
}

// ContentTypes reports every demo content id as a PNG.
func (d *demo) ContentTypes(_ context.Context, ids []mintcache.ContentID) (map[mintcache.ContentID]string, error) {
	out := make(map[mintcache.ContentID]string, len(ids))
	for _, id := range ids {
		if _, ok := d.colors[id]; ok {
			out[id] = "image/png"
		}
	}
	return out, nil
}
