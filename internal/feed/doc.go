// Package feed rewrites podcast feeds so that their enclosures point at
// the playback endpoint.
//
// For every RSS item enclosure (or Atom link with rel="enclosure") the
// [Rewriter] canonicalises the source URL, computes its fingerprint under
// the requested params and replaces the URL with
//
//	{base}/play/{fingerprint}/{base64url(source)}{ext}?codec=..&bitrate=..
//
// The type attribute is set to the target content type and length is
// removed, since the transcoded size is not known until first playback.
// Enclosures without a usable URL are left untouched and listed in the
// [Report]; they never fail the feed. The rest of the document, including
// unknown namespaces, is written back unchanged.
//
// The [Fetcher] downloads upstream feeds with a size cap and retries
// transient failures through the retry package.
package feed
