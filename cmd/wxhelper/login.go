package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
)

type qrResponse struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	PNG       string    `json:"png"`
	ExpiresAt time.Time `json:"expires_at"`
}

type loginStatus struct {
	LoggedIn bool   `json:"logged_in"`
	Backend  string `json:"backend"`
	Session  struct {
		State     string `json:"state"`
		LastError string `json:"last_error,omitempty"`
	} `json:"session"`
}

type apiError struct {
	Error string `json:"error"`
}

func loginCmd() *cobra.Command {
	var (
		pngPath  string
		timeout  time.Duration
		simulate bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log the running server into WeChat by scanning a QR code",
		Long: `Requests a login QR code from the running server, prints it in the
terminal, and waits until the scan completes. Expired codes are replaced
automatically.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.AdminToken == "" {
				return errors.New("server.adminToken is not set; the login routes are disabled")
			}
			client := adminClient(cfg)

			status, err := fetchLoginStatus(client)
			if err != nil {
				return err
			}
			if status.LoggedIn {
				fmt.Println("Already logged in.")
				return nil
			}

			deadline := time.Now().Add(timeout)
			for time.Now().Before(deadline) {
				qr, err := requestQR(client)
				if err != nil {
					return err
				}
				if err := showQR(qr, pngPath); err != nil {
					return err
				}
				if simulate {
					if _, err := client.R().SetBody(map[string]string{"id": qr.ID}).Post("/wechat/loopback/scan"); err != nil {
						return fmt.Errorf("loopback scan: %w", err)
					}
				}

				for time.Now().Before(qr.ExpiresAt) && time.Now().Before(deadline) {
					time.Sleep(2 * time.Second)
					status, err := fetchLoginStatus(client)
					if err != nil {
						return err
					}
					if status.LoggedIn {
						fmt.Printf("Logged in (%s backend).\n", status.Backend)
						return nil
					}
					if status.Session.State == "dead" {
						return fmt.Errorf("session is dead: %s", status.Session.LastError)
					}
				}
				fmt.Println("QR code expired, requesting a new one...")
			}
			return fmt.Errorf("login not completed within %s", timeout)
		},
	}
	cmd.Flags().StringVar(&pngPath, "png", "", "also write the QR code image to this file")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up after this long")
	cmd.Flags().BoolVar(&simulate, "simulate-scan", false, "complete the scan immediately (loopback backend only)")
	return cmd
}

func requestQR(client *resty.Client) (qrResponse, error) {
	var qr qrResponse
	resp, err := client.R().
		SetQueryParam("format", "json").
		SetResult(&qr).
		SetError(&apiError{}).
		Post("/wechat/qr")
	if err != nil {
		return qr, fmt.Errorf("request QR code: %w", err)
	}
	if resp.IsError() {
		return qr, fmt.Errorf("request QR code: HTTP %d: %s", resp.StatusCode(), errorText(resp))
	}
	return qr, nil
}

func fetchLoginStatus(client *resty.Client) (loginStatus, error) {
	var st loginStatus
	resp, err := client.R().SetResult(&st).SetError(&apiError{}).Get("/wechat/login/status")
	if err != nil {
		return st, fmt.Errorf("server not reachable (is 'wxhelper serve' running?): %w", err)
	}
	if resp.IsError() {
		return st, fmt.Errorf("login status: HTTP %d: %s", resp.StatusCode(), errorText(resp))
	}
	return st, nil
}

func showQR(qr qrResponse, pngPath string) error {
	fmt.Println("Scan with WeChat to log in:")
	qrterminal.GenerateHalfBlock(qr.Content, qrterminal.L, os.Stdout)
	fmt.Printf("Expires at %s\n", qr.ExpiresAt.Local().Format(time.Kitchen))
	if pngPath == "" {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(qr.PNG)
	if err != nil {
		return fmt.Errorf("decode QR image: %w", err)
	}
	if err := os.WriteFile(pngPath, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("QR image written to %s\n", pngPath)
	return nil
}

func errorText(resp *resty.Response) string {
	if e, ok := resp.Error().(*apiError); ok && e.Error != "" {
		return e.Error
	}
	var e apiError
	if json.Unmarshal(resp.Body(), &e) == nil && e.Error != "" {
		return e.Error
	}
	return resp.Status()
}
