// Package opml reads and writes OPML subscription lists.
//
// Podcast apps exchange subscriptions as OPML: a head with a title and a
// body of outline elements, each carrying the feed URL in its xmlUrl
// attribute. Apps that group subscriptions nest feed outlines inside
// folder outlines; Parse flattens those.
//
// The registry imports lists to register many upstream feeds at once, and
// exports its rewritten feed URLs so a listener can subscribe to all of
// them in one step.
package opml
