// Package wiretest holds frame-fixture helpers shared by this module's own
// test files across packages (connection, pubsub). It exists
// because an action-tag rewrite has no legitimate production call site here
// — every real frame is built by a Marshal* function that already knows its
// action — but test fixtures frequently need to patch one field of a
// captured frame without hand-rolling the rest of the JSON. Named and shaped
// after the standard library's own test-only support packages (httptest,
// iotest, fstest): a regular package, never imported by production code.
package wiretest

import (
	"fmt"

	"github.com/tidwall/sjson"

	"github.com/relaywire/pubsub-go/internal/wire"
)

// SetAction rewrites a raw frame's action field in place using sjson,
// avoiding a decode/re-encode round trip when a test only needs to retag a
// fixture.
func SetAction(raw []byte, action wire.Action) ([]byte, error) {
	out, err := sjson.SetBytes(raw, "action", int(action))
	if err != nil {
		return nil, fmt.Errorf("wiretest: set action: %w", err)
	}
	return out, nil
}
