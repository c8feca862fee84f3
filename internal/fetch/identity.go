package fetch

import "net/http"

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.0 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117 Safari/537.36",
}

var acceptLanguages = []string{
	"en-US,en;q=0.9",
	"en-GB,en;q=0.9",
	"en;q=0.8",
}

const acceptHeader = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"

// applyIdentity sets a randomly chosen client identity on req so consecutive attempts
// do not share a fingerprint.
func (f *Fetcher) applyIdentity(req *http.Request) {
	req.Header.Set("User-Agent", userAgents[f.intN(len(userAgents))])
	req.Header.Set("Accept-Language", acceptLanguages[f.intN(len(acceptLanguages))])
	req.Header.Set("Accept", acceptHeader)
}
