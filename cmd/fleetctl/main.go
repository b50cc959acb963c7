// fleetctl is a small operator CLI against the fleetd HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/pflag"
)

var baseURL = envOr("FLEETD_BASE_URL", "http://localhost:8080")

func usage() {
	fmt.Println("fleetctl commands:")
	fmt.Println("  vm create --id ID --region REGION [--ram 512MB] [--cpu 1] [--template TEMPLATE]")
	fmt.Println("  vm get --id ID | vm list | vm stop --id ID | vm restart --id ID | vm delete --id ID | vm rotate --id ID")
	fmt.Println("  job create --id ID --type TYPE [--vm VM_ID]")
	fmt.Println("  job get --id ID | job list")
	fmt.Println("  scale --min N --max N --jobs-per-vm N --region REGION [--template TEMPLATE]")
	fmt.Println("  op get --id ID")
	fmt.Println("  tunnels | guardrails")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "vm":
		vmCmd(os.Args[2:])
	case "job":
		jobCmd(os.Args[2:])
	case "scale":
		scaleCmd(os.Args[2:])
	case "op":
		opCmd(os.Args[2:])
	case "tunnels":
		get("/v1/tunnels")
	case "guardrails":
		get("/v1/guardrails")
	default:
		usage()
	}
}

func vmCmd(args []string) {
	if len(args) < 1 {
		usage()
	}
	switch args[0] {
	case "create":
		fs := pflag.NewFlagSet("vm create", pflag.ExitOnError)
		id := fs.String("id", "", "vm id")
		region := fs.String("region", "de", "region")
		ram := fs.String("ram", "512MB", "memory size")
		cpu := fs.String("cpu", "1", "cpu cores")
		template := fs.String("template", "", "template id")
		fs.Parse(args[1:])
		if *id == "" {
			fmt.Println("id required")
			os.Exit(1)
		}
		post("/v1/vms", map[string]string{
			"id": *id, "region": *region, "ram": *ram, "cpu": *cpu, "template_id": *template,
		})
	case "list":
		get("/v1/vms")
	case "get", "stop", "restart", "delete", "rotate":
		fs := pflag.NewFlagSet("vm "+args[0], pflag.ExitOnError)
		id := fs.String("id", "", "vm id")
		fs.Parse(args[1:])
		if *id == "" {
			fmt.Println("id required")
			os.Exit(1)
		}
		switch args[0] {
		case "get":
			get("/v1/vms/" + *id)
		case "delete":
			request(http.MethodDelete, "/v1/vms/"+*id, nil)
		default:
			post("/v1/vms/"+*id+"/"+args[0], nil)
		}
	default:
		usage()
	}
}

func jobCmd(args []string) {
	if len(args) < 1 {
		usage()
	}
	switch args[0] {
	case "create":
		fs := pflag.NewFlagSet("job create", pflag.ExitOnError)
		id := fs.String("id", "", "job id")
		taskType := fs.String("type", "", "task type")
		vmID := fs.String("vm", "", "pinned vm id")
		fs.Parse(args[1:])
		if *id == "" || *taskType == "" {
			fmt.Println("id and type required")
			os.Exit(1)
		}
		post("/v1/jobs", map[string]string{"id": *id, "task_type": *taskType, "vm_id": *vmID})
	case "get":
		fs := pflag.NewFlagSet("job get", pflag.ExitOnError)
		id := fs.String("id", "", "job id")
		fs.Parse(args[1:])
		if *id == "" {
			fmt.Println("id required")
			os.Exit(1)
		}
		get("/v1/jobs/" + *id)
	case "list":
		get("/v1/jobs")
	default:
		usage()
	}
}

func scaleCmd(args []string) {
	fs := pflag.NewFlagSet("scale", pflag.ExitOnError)
	min := fs.Int("min", 1, "minimum fleet size")
	max := fs.Int("max", 4, "maximum fleet size")
	jobsPerVM := fs.Int("jobs-per-vm", 1, "jobs per vm")
	region := fs.String("region", "de", "target region")
	template := fs.String("template", "", "template id")
	fs.Parse(args)
	post("/v1/autoscale/evaluate", map[string]any{
		"min_vms": *min, "max_vms": *max, "jobs_per_vm": *jobsPerVM,
		"region": *region, "template_id": *template,
	})
}

func opCmd(args []string) {
	if len(args) < 1 || args[0] != "get" {
		usage()
	}
	fs := pflag.NewFlagSet("op get", pflag.ExitOnError)
	id := fs.String("id", "", "operation id")
	fs.Parse(args[1:])
	if *id == "" {
		fmt.Println("id required")
		os.Exit(1)
	}
	get("/v1/operations/" + *id)
}

func get(path string) {
	request(http.MethodGet, path, nil)
}

func post(path string, body any) {
	var buf io.Reader
	if body != nil {
		bs, _ := json.Marshal(body)
		buf = bytes.NewReader(bs)
	}
	request(http.MethodPost, path, buf)
}

func request(method, path string, body io.Reader) {
	req, err := http.NewRequest(method, baseURL+path, body)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Println("http error:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var out any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fmt.Println("decode error:", err)
		os.Exit(1)
	}
	pretty, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(pretty))
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
