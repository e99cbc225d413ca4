// Command hashpw produces the bcrypt hash that enables the feed-transcoder
// admin API.
//
// Usage:
//
//	hashpw <command>
//
// Commands:
//
//	generate  Prompt for a password twice and print its bcrypt hash on
//	          stdout. Prompts go to stderr, so the hash can be captured:
//
//	              ADMIN_PASSWORD_HASH=$(hashpw generate)
//
//	verify    Prompt for a password and report whether it matches the
//	          hash given as the second argument or ADMIN_PASSWORD_HASH.
//
// Passwords are read without echo from a terminal, or one per line from
// piped stdin. They must be 6 to 72 bytes long.
package main
