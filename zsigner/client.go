package zsigner

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/tv42/httpunix"

	"github.com/PythonRysh/espresso/ecrypto"
)

const clientLocation = "zsigner"

// Client is an [ecrypto.Signer] backed by a remote [Server].
// The public key is fetched once at construction;
// every Sign call crosses the socket.
type Client struct {
	http *http.Client
	url  string

	pub ecrypto.PubKey
}

// NewClient connects to the signer socket at socketPath
// and verifies it is answering by fetching its public key.
func NewClient(ctx context.Context, reg *ecrypto.Registry, socketPath string) (*Client, error) {
	t := &httpunix.Transport{
		DialTimeout:           100 * time.Millisecond,
		RequestTimeout:        5 * time.Second,
		ResponseHeaderTimeout: 5 * time.Second,
	}
	t.RegisterLocation(clientLocation, socketPath)

	c := &Client{
		http: &http.Client{Transport: t},
		url:  "http+unix://" + clientLocation + "/rpc",
	}

	var reply PubKeyReply
	if err := c.call(ctx, "Signer.PubKey", &PubKeyArgs{}, &reply); err != nil {
		return nil, fmt.Errorf("fetching remote signer key: %w", err)
	}

	pub, err := reg.Unmarshal(reply.PubKey)
	if err != nil {
		return nil, fmt.Errorf("decoding remote signer key: %w", err)
	}
	c.pub = pub

	return c, nil
}

// PubKey returns the remote signer's key.
func (c *Client) PubKey() ecrypto.PubKey {
	return c.pub
}

// Sign requests a signature over input from the remote signer.
func (c *Client) Sign(ctx context.Context, input []byte) ([]byte, error) {
	var reply SignReply
	if err := c.call(ctx, "Signer.Sign", &SignArgs{Input: input}, &reply); err != nil {
		return nil, fmt.Errorf("remote sign: %w", err)
	}
	return reply.Signature, nil
}

func (c *Client) call(ctx context.Context, method string, args, reply any) error {
	body, err := json2.EncodeClientRequest(method, args)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("signer returned status %d", resp.StatusCode)
	}
	return json2.DecodeClientResponse(resp.Body, reply)
}
