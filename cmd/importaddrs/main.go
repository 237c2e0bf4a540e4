package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// importaddrs bulk-registers addresses with a running monitor instance.
// Input is one address per line, from a file or stdin; lines starting with
// '#' are skipped. Addresses are validated locally before upload so a typo
// does not burn an API round trip.

const batchSize = 100

func main() {
	_ = godotenv.Load()

	var (
		apiURL  = flag.String("api", envOr("MONITOR_API_URL", "http://localhost:3000"), "monitor API base URL")
		apiKey  = flag.String("key", os.Getenv("API_KEY"), "API key, if the server requires one")
		network = flag.String("network", envOr("BSV_NETWORK", "mainnet"), "mainnet or testnet")
		force   = flag.Bool("force", false, "re-fetch history for addresses that already exist")
		file    = flag.String("file", "", "input file (defaults to stdin)")
	)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	params := &chaincfg.MainNetParams
	if *network == "testnet" {
		params = &chaincfg.TestNet3Params
	}

	var in io.Reader = os.Stdin
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			log.WithError(err).Fatal("Cannot open input file")
		}
		defer f.Close()
		in = f
	}

	addrs, skipped := readAddresses(in, params)
	if skipped > 0 {
		log.WithField("skipped", skipped).Warn("Skipped invalid addresses")
	}
	if len(addrs) == 0 {
		log.Fatal("No valid addresses to import")
	}
	log.WithField("count", len(addrs)).Info("Uploading addresses")

	client := &http.Client{Timeout: 30 * time.Second}
	var added, existing, refetched int
	for start := 0; start < len(addrs); start += batchSize {
		end := start + batchSize
		if end > len(addrs) {
			end = len(addrs)
		}

		result, err := upload(client, *apiURL, *apiKey, addrs[start:end], *force)
		if err != nil {
			log.WithError(err).Fatalf("Batch %d-%d failed", start, end)
		}
		added += len(result.Added)
		existing += len(result.AlreadyExist)
		refetched += len(result.ForcedRefetch)
	}

	log.WithFields(logrus.Fields{
		"added":         added,
		"alreadyExist":  existing,
		"forcedRefetch": refetched,
	}).Info("Import complete")
}

func readAddresses(in io.Reader, params *chaincfg.Params) (addrs []string, skipped int) {
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, dup := seen[line]; dup {
			continue
		}
		decoded, err := btcutil.DecodeAddress(line, params)
		if err != nil {
			skipped++
			continue
		}
		if _, ok := decoded.(*btcutil.AddressPubKeyHash); !ok || !decoded.IsForNet(params) {
			skipped++
			continue
		}
		seen[line] = struct{}{}
		addrs = append(addrs, line)
	}
	return addrs, skipped
}

type importResult struct {
	Added         []string `json:"added"`
	AlreadyExist  []string `json:"alreadyExist"`
	ForcedRefetch []string `json:"forcedRefetch"`
	Invalid       []string `json:"invalid"`
}

func upload(client *http.Client, apiURL, apiKey string, addrs []string, force bool) (*importResult, error) {
	body, err := json.Marshal(map[string]interface{}{
		"addresses": addrs,
		"force":     force,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(apiURL, "/")+"/addresses", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result importResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func envOr(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
