package inflight

import "fmt"

const keyPrefix = "robotq"

func InflightSetKey() string {
	return fmt.Sprintf("%s:inflight", keyPrefix)
}

func ExhaustedKey() string {
	return fmt.Sprintf("%s:exhausted", keyPrefix)
}
