package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

type step struct {
	Name     string
	Method   string
	Path     string
	Token    string
	Body     interface{}
	Expected int
}

type result struct {
	Step     step
	Status   int
	Data     map[string]interface{}
	Error    error
	Duration time.Duration
}

type runner struct {
	client  *http.Client
	base    string
	results []result
}

func main() {
	var (
		base     string
		password string
		timeout  time.Duration
	)

	flag.StringVar(&base, "base", "http://localhost:8080/api/v1", "API base URL including prefix")
	flag.StringVar(&password, "password", "Smoke-Test-1", "password for the throwaway account")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "HTTP client timeout")
	flag.Parse()

	r := &runner{client: &http.Client{Timeout: timeout}, base: strings.TrimRight(base, "/")}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	email := fmt.Sprintf("smoke-%s@example.com", suffix)

	r.run(step{Name: "register", Method: http.MethodPost, Path: "/auth/register", Expected: http.StatusCreated,
		Body: map[string]string{"email": email, "username": "smoke_" + suffix, "password": password}})
	login := r.run(step{Name: "login", Method: http.MethodPost, Path: "/auth/login", Expected: http.StatusOK,
		Body: map[string]string{"email": email, "password": password}})
	r.run(step{Name: "wrong password", Method: http.MethodPost, Path: "/auth/login", Expected: http.StatusUnauthorized,
		Body: map[string]string{"email": email, "password": password + "x"}})

	access, refresh := field(login, "accessToken"), field(login, "refreshToken")
	r.run(step{Name: "verify", Method: http.MethodGet, Path: "/auth/verify", Token: access, Expected: http.StatusOK})
	rotated := r.run(step{Name: "refresh", Method: http.MethodPost, Path: "/auth/refresh", Expected: http.StatusOK,
		Body: map[string]string{"refreshToken": refresh}})
	r.run(step{Name: "refresh replay", Method: http.MethodPost, Path: "/auth/refresh", Expected: http.StatusUnauthorized,
		Body: map[string]string{"refreshToken": refresh}})

	access = field(rotated, "accessToken")
	r.run(step{Name: "profile", Method: http.MethodGet, Path: "/users/me", Token: access, Expected: http.StatusOK})
	r.run(step{Name: "logout", Method: http.MethodPost, Path: "/auth/logout", Token: access, Expected: http.StatusOK})
	r.run(step{Name: "refresh after logout", Method: http.MethodPost, Path: "/auth/refresh", Expected: http.StatusUnauthorized,
		Body: map[string]string{"refreshToken": field(rotated, "refreshToken")}})

	printReport(r.results)

	failed := 0
	for _, res := range r.results {
		if res.Error != nil || res.Status != res.Step.Expected {
			failed++
		}
	}
	fmt.Printf("Failed steps: %d/%d\n", failed, len(r.results))
	if failed > 0 {
		os.Exit(1)
	}
}

func (r *runner) run(s step) result {
	res := result{Step: s}
	start := time.Now()
	status, data, err := r.perform(s)
	res.Duration = time.Since(start)
	res.Status = status
	res.Data = data
	res.Error = err
	r.results = append(r.results, res)
	return res
}

func (r *runner) perform(s step) (int, map[string]interface{}, error) {
	if r.client == nil {
		return 0, nil, errors.New("nil client")
	}

	var body io.Reader
	if s.Body != nil {
		payload, err := json.Marshal(s.Body)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(s.Method, r.base+s.Path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return resp.StatusCode, nil, nil
	}

	var envelope struct {
		Data map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return resp.StatusCode, nil, fmt.Errorf("decode body: %w", err)
	}
	return resp.StatusCode, envelope.Data, nil
}

func field(res result, key string) string {
	if res.Data == nil {
		return ""
	}
	value, _ := res.Data[key].(string)
	return value
}

func printReport(results []result) {
	fmt.Println("Auth Smoke Report")
	fmt.Println("=================")
	for _, res := range results {
		status := "OK"
		if res.Error != nil {
			status = "ERROR"
		} else if res.Status != res.Step.Expected {
			status = "FAIL"
		}
		fmt.Printf("[%s] %s %s %s\n", status, res.Step.Name, res.Step.Method, res.Step.Path)
		fmt.Printf("  Status: %d (expected %d, %s)\n", res.Status, res.Step.Expected, res.Duration)
		if res.Error != nil {
			fmt.Printf("  Error: %v\n", res.Error)
		}
	}
}
