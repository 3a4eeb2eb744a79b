package model

// BenchmarkResult 设备基准测试的 JSON 交换格式, 字段名和绘图工具约定一致
type BenchmarkResult struct {
	Timestamp  float64          `json:"timestamp"` // Unix 秒
	Device     string           `json:"device"`
	SystemInfo map[string]any   `json:"system_info"`
	Matmul     *MatmulResult    `json:"matmul"`    // 设备不可用时为 null
	Bandwidth  *BandwidthResult `json:"bandwidth"` // 同上
	DeviceName string           `json:"device_name"`
}

type MatmulResult struct {
	Size           int     `json:"size"`
	AvgTimeSeconds float64 `json:"avg_time_seconds"`
	TFLOPS         float64 `json:"tflops"`
}

type BandwidthResult struct {
	SizeElements   int     `json:"size_elements"`
	AvgTimeSeconds float64 `json:"avg_time_seconds"`
	BandwidthGBs   float64 `json:"bandwidth_gb_s"`
}
