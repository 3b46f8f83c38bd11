// Package monitor defines the domain model shared by every stage of the mention
// discovery pipeline: stored records (credentials, keyword rules, personas,
// mentions, the dispatch ledger), transient candidates, typed job payloads for
// the queue lanes, and the error taxonomy used to decide retries.
package monitor
