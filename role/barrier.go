package role

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// barrier waits until every address in the topology answers its status
// endpoint, or until the barrier timeout runs out.
func (p *Process) barrier(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	client := &http.Client{Timeout: p.cfg.Transport.RequestTimeout}
	pending := p.cfg.Cluster.Addresses()

	attempt := func() (struct{}, error) {
		var missing []string
		for _, addr := range pending {
			if err := probe(ctx, client, addr); err != nil {
				missing = append(missing, addr)
			}
		}
		pending = missing
		if len(pending) > 0 {
			p.logger.Debug().Strs("pending", pending).Msg("Waiting for peers")
			return struct{}{}, fmt.Errorf("%d peers unreachable: %v", len(pending), pending)
		}
		return struct{}{}, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.Transport.Retry.InitialInterval
	b.MaxInterval = time.Second
	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(p.cfg.Transport.BarrierTimeout),
	)
	if err != nil {
		return fmt.Errorf("peer barrier: %w", err)
	}
	p.logger.Info().Int("peers", len(p.cfg.Cluster.Addresses())).Msg("All peers reachable")
	return nil
}

func probe(ctx context.Context, client *http.Client, addr string) error {
	_, err := fetchStatus(ctx, client, addr)
	return err
}

func fetchStatus(ctx context.Context, client *http.Client, addr string) (StatusResponse, error) {
	var status StatusResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+StatusPath, nil)
	if err != nil {
		return status, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return status, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return status, errors.New(resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, fmt.Errorf("decode status from %s: %w", addr, err)
	}
	return status, nil
}
