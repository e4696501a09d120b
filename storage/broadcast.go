package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/webpush-libs/webpush-go"
)

const (
	defaultPageSize    = 100
	defaultConcurrency = 8
)

// Sender delivers one notification. *webpush.Client implements it.
type Sender interface {
	SendNotification(ctx context.Context, sub *webpush.Subscription, payload []byte, opts *webpush.Options) (*webpush.Response, error)
}

// SignerLookup finds the VAPID signer for a subscription's recorded
// applicationServerKey. *keys.RotatingSigner implements it.
type SignerLookup interface {
	SignerFor(publicKeyB64 string) webpush.Signer
}

// Broadcaster sends one message to every stored subscription.
type Broadcaster struct {
	Store  Storage
	Sender Sender
	// Subject and Signers, when Signers is set, sign each subscription's
	// VAPID token with the key it subscribed with. Otherwise the options
	// passed to Broadcast (or the process-wide defaults) apply.
	Subject string
	Signers SignerLookup
	// Concurrency bounds in-flight sends. Zero means 8.
	Concurrency int
	// PageSize is the List page size. Zero means 100.
	PageSize int
	// Retries is how many more times a send answered with 429 or a 5xx
	// status is attempted, backing off exponentially from RetryBase (zero
	// means one second).
	Retries   uint64
	RetryBase time.Duration
}

// BroadcastResult summarizes a Broadcast.
type BroadcastResult struct {
	Sent int
	// Pruned holds the IDs of subscriptions deleted because the push
	// service reported them gone.
	Pruned []string
	// Failed maps record IDs to their send error.
	Failed map[string]error
}

// Broadcast sends payload to every stored subscription. Subscriptions the
// push service answers with 404 or 410 are deleted. Other per-subscription
// failures are collected in the result; the returned error is reserved for
// storage failures and cancellation.
func (b *Broadcaster) Broadcast(ctx context.Context, payload []byte, opts *webpush.Options) (*BroadcastResult, error) {
	records, err := b.all(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		res = &BroadcastResult{Failed: map[string]error{}}
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cmpOr(b.Concurrency, defaultConcurrency))
	for _, rec := range records {
		g.Go(func() error {
			sendErr := b.send(ctx, rec, payload, opts)
			gone := isGone(sendErr)
			if gone {
				if err := b.Store.Delete(ctx, rec.ID); err != nil && !errors.Is(err, ErrNotFound) {
					return fmt.Errorf("pruning subscription %s: %w", rec.ID, err)
				}
				clog.FromContext(ctx).Info("pruned expired subscription", "id", rec.ID, "endpoint", rec.Subscription.Endpoint)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case sendErr == nil:
				res.Sent++
			case gone:
				res.Pruned = append(res.Pruned, rec.ID)
			default:
				res.Failed[rec.ID] = sendErr
			}
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	return res, nil
}

func (b *Broadcaster) send(ctx context.Context, rec *Record, payload []byte, opts *webpush.Options) error {
	var o webpush.Options
	if opts != nil {
		o = *opts
	}
	if b.Signers != nil {
		signer := b.Signers.SignerFor(rec.VAPIDKey)
		if signer == nil {
			return fmt.Errorf("no signer for VAPID key %q", rec.VAPIDKey)
		}
		o.VAPIDDetails = &webpush.VAPIDDetails{Subject: b.Subject, Signer: signer}
	}
	if b.Retries == 0 {
		_, err := b.Sender.SendNotification(ctx, rec.Subscription, payload, &o)
		return err
	}
	backoff := retry.WithMaxRetries(b.Retries, retry.NewExponential(cmpOr(b.RetryBase, time.Second)))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := b.Sender.SendNotification(ctx, rec.Subscription, payload, &o)
		if isTransient(err) {
			clog.FromContext(ctx).Info("retrying send", "id", rec.ID, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

// all reads every record before any send, so pruning cannot shift pages.
func (b *Broadcaster) all(ctx context.Context) ([]*Record, error) {
	size := cmpOr(b.PageSize, defaultPageSize)
	var records []*Record
	for offset := 0; ; offset += size {
		page, err := b.Store.List(ctx, size, offset)
		if err != nil {
			return nil, fmt.Errorf("listing subscriptions: %w", err)
		}
		records = append(records, page...)
		if len(page) < size {
			return records, nil
		}
	}
}

func isGone(err error) bool {
	var de *webpush.DeliveryError
	if !errors.As(err, &de) {
		return false
	}
	return de.StatusCode == http.StatusNotFound || de.StatusCode == http.StatusGone
}

func isTransient(err error) bool {
	var de *webpush.DeliveryError
	if !errors.As(err, &de) {
		return false
	}
	return de.StatusCode == http.StatusTooManyRequests || de.StatusCode >= 500
}

func cmpOr[T int | time.Duration](v, fallback T) T {
	if v > 0 {
		return v
	}
	return fallback
}
