/*
package gossip connects local writes to the windows that are watching them.
The database can tell us about writes made by other processes (see dbnotify),
but SQLite can't, and even with PostgreSQL hearing about our own writes
directly saves a round trip.

The name is imperfect, but see the section "Promotion" on https://en.wikipedia.org/wiki/Hadacol.
*/

package gossip

import (
	"context"

	"github.com/ts4z/storyline/model"
)

// Notifier hears about saved-story changes.  *windows.Registry is one.
type Notifier interface {
	NotifyUpdated(ctx context.Context, r *model.StoryRecord)
	NotifyDeleted(ctx context.Context, id string)
}
