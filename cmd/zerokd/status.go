package main

import (
	"encoding/json"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/PythonRysh/espresso/zerok"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the status of a running node",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("addr", "127.0.0.1:9621", "HTTP API address of the node")

	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")

	var st zerok.Status
	resp, err := resty.New().R().
		SetContext(cmd.Context()).
		SetResult(&st).
		Get("http://" + addr + "/v1/status")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("status request failed: %s", resp.Status())
	}

	out, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
