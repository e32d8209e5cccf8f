package main

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Env vars whose values must never reach a log line.
func isSensitiveKey(key string) bool {
	for _, marker := range []string{"SEED", "KEY", "SECRET", "TOKEN", "PASSWORD"} {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}

func parseWorkerIDs() []int {
	raw := os.Getenv("WORKER_IDS")
	if raw == "" {
		// All workers: two per configured chain.
		return []int{1, 2, 3, 4, 5, 6}
	}
	ids := []int{}
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			panic(fmt.Sprintf("Bad WORKER_IDS entry %q", part))
		}
		ids = append(ids, id)
	}
	return ids
}

func main() {
	err := godotenv.Load()
	if err != nil {
		panic("Error loading .env file")
	}

	var myEnv map[string]string
	myEnv, _ = godotenv.Read()
	fmt.Println("=========Config============")
	for key, value := range myEnv {
		if isSensitiveKey(key) {
			fmt.Println(key + ": ***")
			continue
		}
		fmt.Println(key + ": " + value)
	}
	fmt.Println("=========End============")

	runtime.GOMAXPROCS(runtime.NumCPU())
	s, err := NewServer(parseWorkerIDs())
	if err != nil {
		panic(fmt.Sprintf("Can't init server: %v", err))
	}
	defer s.store.Close()

	s.Run()
	for range s.workers {
		<-s.finish
	}
	fmt.Println("Server stopped gracefully!")
}
