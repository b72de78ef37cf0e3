// Command client plays both sides of a Digital Credentials API exchange
// against a running server: it asks the verifier for a request, hands it
// to the wallet bridge, approves the default selection and has the
// verifier check the response.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/kokukuma/mdoc-presentment/internal/logging"
	"github.com/kokukuma/mdoc-presentment/internal/server"
	"github.com/kokukuma/mdoc-presentment/presentment"
	"github.com/kokukuma/mdoc-presentment/protocol"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	serverURL  string
	protocolID string
	origin     string
	queryPath  string
	encrypted  bool
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "client",
	Short:        "Run one presentment through a presentment server",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := logging.Setup(os.Stderr, "info", logging.FormatText); err != nil {
			return err
		}
		query, err := os.ReadFile(queryPath)
		if err != nil {
			return err
		}
		c := &client{base: serverURL, http: &http.Client{Timeout: 10 * time.Second}}
		resp, err := c.run(query)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&serverURL, "server", "http://localhost:8080", "presentment server URL")
	flags.StringVar(&protocolID, "protocol", protocol.OpenID4VPV1Unsigned, "Digital Credentials API protocol")
	flags.StringVar(&origin, "origin", "https://localhost", "origin the request is presented for")
	flags.StringVar(&queryPath, "query", "", "DCQL query file")
	flags.BoolVar(&encrypted, "encrypted", false, "ask for an encrypted OpenID4VP response")
	flags.DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the wallet")
	_ = rootCmd.MarkFlagRequired("query")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type client struct {
	base string
	http *http.Client
}

func (c *client) run(query []byte) (*server.VerifyResponse, error) {
	var req server.GetResponse
	err := c.post("/getIdentityRequest", server.GetRequest{
		Protocol:        protocolID,
		Query:           query,
		Encrypted:       encrypted,
		ExpectedOrigins: []string{origin},
	}, &req)
	if err != nil {
		return nil, err
	}
	logrus.WithField("session", req.SessionID).Info("client: request created")

	var st server.PresentmentStatus
	err = c.post("/wallet/presentments", server.CreatePresentmentRequest{
		Protocol: protocolID,
		Origin:   origin,
		Data:     req.Data,
	}, &st)
	if err != nil {
		return nil, err
	}

	approved := false
	deadline := time.Now().Add(timeout)
	for st.State != presentment.Completed {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("presentment %s still %s", st.ID, st.State)
		}
		if st.Consent != nil && !approved {
			if err := c.post("/wallet/presentments/"+st.ID+"/consent", server.ConsentDecision{Approve: true}, &st); err != nil {
				return nil, err
			}
			approved = true
			continue
		}
		time.Sleep(100 * time.Millisecond)
		if err := c.get("/wallet/presentments/"+st.ID, &st); err != nil {
			return nil, err
		}
	}
	if st.Error != "" {
		return nil, fmt.Errorf("presentment failed: %s", st.Error)
	}
	// the response is sent just before completion
	for len(st.Response) == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
		if err := c.get("/wallet/presentments/"+st.ID, &st); err != nil {
			return nil, err
		}
	}

	var verified server.VerifyResponse
	err = c.post("/verifyIdentityResponse", server.VerifyRequest{
		SessionID: req.SessionID,
		Data:      st.Response,
		Origin:    origin,
	}, &verified)
	if err != nil {
		return nil, err
	}
	return &verified, nil
}

func (c *client) post(path string, body, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func (c *client) get(path string, out interface{}) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func decode(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s: %d %s", resp.Request.URL.Path, resp.StatusCode, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
