package presentment

import (
	"sync"

	"github.com/kokukuma/mdoc-presentment/dcql"
	"github.com/kokukuma/mdoc-presentment/protocol"
)

type decision struct {
	approved  bool
	selection dcql.Selection
}

// ConsentRequest is handed out on Model.Consents. The presentment waits
// until Approve or Decline is called; only the first call counts.
type ConsentRequest struct {
	protocol.ConsentRequest

	once     sync.Once
	decision chan decision
	done     chan struct{}
}

func newConsentRequest(req protocol.ConsentRequest) *ConsentRequest {
	return &ConsentRequest{
		ConsentRequest: req,
		decision:       make(chan decision, 1),
		done:           make(chan struct{}),
	}
}

// Done is closed once the presentment stops waiting for a decision, after
// a decision, a timeout or cancellation.
func (c *ConsentRequest) Done() <-chan struct{} {
	return c.done
}

// Approve shares the credentials picked by sel.
func (c *ConsentRequest) Approve(sel dcql.Selection) {
	c.once.Do(func() {
		c.decision <- decision{approved: true, selection: sel}
	})
}

// ApproveDefault shares the first option and match of every set.
func (c *ConsentRequest) ApproveDefault() {
	c.Approve(c.Response.DefaultSelection())
}

func (c *ConsentRequest) Decline() {
	c.once.Do(func() {
		c.decision <- decision{}
	})
}
