package protocol

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/kokukuma/mdoc-presentment/credential"
	"github.com/kokukuma/mdoc-presentment/dcql"
	"github.com/sirupsen/logrus"
)

// DCAPI answers one Digital Credentials API request. The response is the
// only message it sends.
type DCAPI struct {
	Handler   *Handler
	Protocol  string
	Origin    string
	Data      []byte
	Transport Transport
}

func (d *DCAPI) Run(ctx context.Context, env Env) error {
	handler := d.Handler
	if handler == nil {
		handler = NewHandler()
	}
	req, err := handler.Parse(d.Protocol, d.Origin, d.Data)
	if err != nil {
		return err
	}
	if env.Rand != nil {
		req.rand = env.Rand
	}
	req.Policy.PreferKeyAgreement = env.PreferKeyAgreement

	resp, err := present(ctx, env, req.Protocol, req.Origin, req.Query)
	if err != nil {
		return err
	}
	data, err := req.Respond(ctx, resp, env.now())
	if err != nil {
		return err
	}
	if err := d.Transport.Send(ctx, data); err != nil {
		return fmt.Errorf("failed to send response: %w", err)
	}
	return recordUsage(env.Source, Credentials(resp))
}

// present evaluates query and asks the holder which credentials to share.
func present(ctx context.Context, env Env, protocolID, origin string, query *dcql.Query) ([]dcql.Selected, error) {
	result, err := dcql.Execute(query, env.Source)
	if err != nil {
		return nil, err
	}
	if env.Consent == nil {
		return result.Resolve(result.DefaultSelection())
	}
	sel, err := env.Consent(ctx, ConsentRequest{
		Protocol: protocolID,
		Origin:   origin,
		Query:    query,
		Response: result,
	})
	if err != nil {
		return nil, err
	}
	return result.Resolve(sel)
}

// recordUsage increments the usage count of every credential once.
func recordUsage(src credential.Source, creds []*credential.Credential) error {
	var result error
	seen := map[string]bool{}
	for _, c := range creds {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		n, err := src.IncrementUsage(c.ID)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to record usage of %s: %w", c.ID, err))
			continue
		}
		logrus.WithFields(logrus.Fields{"credential": c.ID, "usage": n}).Debug("protocol: credential presented")
	}
	return result
}

func (d *DCAPI) Terminate(ctx context.Context) error {
	return nil
}

func (d *DCAPI) Close(notify bool) error {
	return d.Transport.Close(notify)
}
