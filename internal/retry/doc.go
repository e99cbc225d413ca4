/*
Package retry runs transient operations with exponential backoff.

It is used for upstream feed fetches and for the Redis ping at startup,
both of which routinely fail for a moment during deploys and network
blips.

# Usage

	body, err := retry.DoValue(ctx, "feed_fetch", retry.DefaultConfig(),
	    func(ctx context.Context) ([]byte, error) {
	        return fetchOnce(ctx, url)
	    })

Wrap an error with [Permanent] to stop retrying early, or set
Config.Retryable to classify errors. Context cancellation is never retried,
and the backoff sleep ends as soon as the context does.

# Retry Behavior

Defaults:
  - MaxRetries: 3
  - InitialBackoff: 250ms
  - MaxBackoff: 4s

Attempts, successes after retry, final failures and total duration are
recorded per operation label in the feed_transcoder_retry_* metrics.
*/
package retry
