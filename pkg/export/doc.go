// Package export provides aggregate backup and restore.
//
// # Overview
//
// Finalized aggregates and their profiles can be exported to JSON and
// imported into another tinyapm instance, or exported to CSV for analysis
// in spreadsheets and notebooks. CSV exports cannot be re-imported.
//
// # HTTP API
//
// Export endpoint: GET /v1/export
// Query parameters:
//   - format: "json" or "csv" (default: json)
//   - start, end: RFC3339 or unix seconds (default: the last 24 hours)
//   - type: transaction type filter (optional)
//   - resolution: 1m, 5m or 1h (optional)
//   - profiles: include profiles in JSON (default: true)
//
// Example:
//
//	curl "http://localhost:8080/v1/export?type=Web&start=2025-11-18T00:00:00Z" \
//	  -o backup.json
//
// Import endpoint: POST /v1/import
// Content-Type: application/json
//
//	curl -X POST "http://localhost:8080/v1/import" \
//	  -H "Content-Type: application/json" \
//	  -d @backup.json
//
// # Data Format
//
// Timer trees, histograms and profiles are stored encoded, so the JSON
// carries them base64 encoded exactly as stored:
//
//	{
//	  "metadata": {
//	    "exported_at": "2025-11-19T03:00:00Z",
//	    "start_time": "2025-11-18T03:00:00Z",
//	    "end_time": "2025-11-19T03:00:00Z",
//	    "aggregate_count": 1,
//	    "profile_count": 0,
//	    "format": "json",
//	    "version": "1"
//	  },
//	  "aggregates": [
//	    {
//	      "transaction_type": "Web",
//	      "capture_time": "2025-11-19T02:31:00Z",
//	      "resolution": "1m",
//	      "transaction_count": 42,
//	      "total_micros": 512000,
//	      "error_count": 1,
//	      "timer_tree": "eyJuYW1lIjoiPHJvb3Q+Ii...",
//	      "histogram": "VEhHAQ...",
//	      "cpu_micros": 80000,
//	      "blocked_micros": null,
//	      "waited_micros": null,
//	      "allocated_kbytes": 2048
//	    }
//	  ]
//	}
//
// # Error Handling
//
// Import validates every record (bucket alignment, decodable payloads,
// histogram count matching the transaction count) and skips invalid ones
// rather than failing the entire import. Buckets already present in
// storage are finalized and are never overwritten; they are counted as
// skipped.
package export
