// Command tuner-check sends a few requests through a running tuner proxy
// and reports which kinds of traffic get through. HTTPS checks trust the
// proxy's root CA, so decrypted tunnels validate like direct ones.
package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/tuner/tuner-srv/config"
	"github.com/codefionn/tuner/tuner-srv/logger"
)

// CheckResult represents the outcome of a single check.
type CheckResult struct {
	Name     string        `json:"name"`
	URL      string        `json:"url"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Status   int           `json:"status"`
}

type check struct {
	name   string
	url    string
	expect int
}

type suite struct {
	proxyURL *url.URL
	client   *http.Client
	dialer   *websocket.Dialer
	results  []CheckResult
}

type urlList []string

func (l *urlList) String() string     { return strings.Join(*l, ",") }
func (l *urlList) Set(v string) error { *l = append(*l, v); return nil }

func main() {
	configPath := flag.String("config", "", "Configuration file of the proxy (for its address and root CA)")
	proxyAddr := flag.String("proxy", "", "Proxy address host:port (default from config)")
	timeout := flag.Int("timeout", 30, "Request timeout in seconds")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	asJSON := flag.Bool("json", false, "Print results as JSON")
	var urls, wsURLs urlList
	flag.Var(&urls, "url", "URL to fetch through the proxy, expecting 200 (repeatable)")
	flag.Var(&wsURLs, "ws", "WebSocket URL to open through the proxy (repeatable)")
	flag.Parse()

	if *verbose {
		logger.SetLevel(logger.DEBUG)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}
	if *proxyAddr == "" {
		*proxyAddr = cfg.ListenAddress
	}
	proxyURL, err := url.Parse("http://" + *proxyAddr)
	if err != nil {
		logger.Fatal("Invalid proxy address: %v", err)
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if pool, err := trustPool(cfg.CA.CertFile); err != nil {
		logger.Warn("Not trusting the proxy root CA: %v", err)
	} else {
		tlsConfig.RootCAs = pool
	}

	s := &suite{
		proxyURL: proxyURL,
		client: &http.Client{
			Timeout: time.Duration(*timeout) * time.Second,
			Transport: &http.Transport{
				Proxy:           http.ProxyURL(proxyURL),
				TLSClientConfig: tlsConfig,
			},
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyURL(proxyURL),
			TLSClientConfig:  tlsConfig,
			HandshakeTimeout: time.Duration(*timeout) * time.Second,
		},
	}

	checks := []check{
		{"http", "http://example.com/", http.StatusOK},
		{"https", "https://example.com/", http.StatusOK},
	}
	if len(urls) > 0 {
		checks = checks[:0]
		for i, u := range urls {
			checks = append(checks, check{fmt.Sprintf("url-%d", i+1), u, http.StatusOK})
		}
	}
	for _, c := range checks {
		logger.Debug("Running check: %s", c.name)
		s.results = append(s.results, s.get(c))
	}
	for i, u := range wsURLs {
		s.results = append(s.results, s.websocket(fmt.Sprintf("ws-%d", i+1), u))
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(s.results); err != nil {
			logger.Fatal("Failed to encode results: %v", err)
		}
	} else {
		s.printResults()
	}
	for _, r := range s.results {
		if !r.Success {
			os.Exit(1)
		}
	}
}

func trustPool(certFile string) (*x509.CertPool, error) {
	data, err := os.ReadFile(certFile)
	if err != nil {
		return nil, err
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificate in %s", certFile)
	}
	return pool, nil
}

func (s *suite) get(c check) CheckResult {
	result := CheckResult{Name: c.name, URL: c.url}
	start := time.Now()

	req, err := http.NewRequest(http.MethodGet, c.url, nil)
	if err != nil {
		result.Error = fmt.Sprintf("Failed to create request: %v", err)
		return result
	}
	req.Header.Set("User-Agent", "tuner-check/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		result.Duration = time.Since(start)
		result.Error = fmt.Sprintf("Request failed: %v", err)
		return result
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	n, err := io.Copy(io.Discard, resp.Body)
	result.Duration = time.Since(start)
	result.Status = resp.StatusCode
	if err != nil {
		result.Error = fmt.Sprintf("Failed to read response: %v", err)
		return result
	}
	if proxyErr := resp.Header.Get("X-Proxy-Error"); proxyErr != "" {
		result.Error = "proxy error " + proxyErr
	}
	logger.Debug("Response for %s: %d bytes, status %d", c.url, n, resp.StatusCode)
	result.Success = resp.StatusCode == c.expect && result.Error == ""
	return result
}

func (s *suite) websocket(name, wsURL string) CheckResult {
	result := CheckResult{Name: name, URL: wsURL}
	start := time.Now()

	conn, resp, err := s.dialer.Dial(wsURL, nil)
	result.Duration = time.Since(start)
	if resp != nil {
		result.Status = resp.StatusCode
	}
	if err != nil {
		result.Error = fmt.Sprintf("Handshake failed: %v", err)
		return result
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	if err := conn.WriteControl(websocket.PingMessage, []byte("tuner-check"), deadline); err != nil {
		result.Error = fmt.Sprintf("Ping failed: %v", err)
		return result
	}
	result.Success = true
	return result
}

func (s *suite) printResults() {
	fmt.Printf("\n=== Proxy Check Results ===\n")
	fmt.Printf("Proxy: %s\n\n", s.proxyURL)

	passed := 0
	for _, result := range s.results {
		status := "FAIL"
		if result.Success {
			status = "PASS"
			passed++
		}
		fmt.Printf("%-12s %s (%d) %v  %s\n", result.Name, status, result.Status, result.Duration.Round(time.Millisecond), result.URL)
		if result.Error != "" {
			fmt.Printf("             Error: %s\n", result.Error)
		}
	}

	fmt.Printf("\nPassed: %d of %d\n", passed, len(s.results))
}
