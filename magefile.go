//go:build mage
// +build mage

package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const composeProject = "vocabquiz-dev"

// Default 默认任务：显示帮助信息
func Default() {
	fmt.Println("VocabQuiz 构建系统")
	fmt.Println("==================")
	fmt.Println("可用任务:")
	fmt.Println("  mage build        - 构建 quiz_server")
	fmt.Println("  mage test         - 运行所有测试")
	fmt.Println("  mage testRace     - 启用竞态检测运行测试")
	fmt.Println("  mage testRedis    - 针对本地 Redis 运行存储测试")
	fmt.Println("  mage docker:env   - 启动基础环境 (Redis + InfluxDB)")
	fmt.Println("  mage docker:down  - 停止基础环境")
	fmt.Println("  mage clean        - 清理构建产物")
	fmt.Println("  mage lint         - 运行代码检查")
	fmt.Println("  mage coverage     - 生成测试覆盖率报告")
}

// Build 构建 quiz_server
func Build() error {
	mg.Deps(Clean)

	fmt.Println("📦 构建 quiz_server...")
	output := filepath.Join("./dist", "quiz_server")
	if runtime.GOOS == "windows" {
		output += ".exe"
	}

	cmd := exec.Command("go", "build", "-o", output, "./cmd/quiz_server")
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("构建 quiz_server 失败: %v\n输出: %s", err, string(out))
	}

	if info, err := os.Stat(output); err == nil {
		fmt.Printf("   ✅ quiz_server: %d MB\n", info.Size()/1024/1024)
	}
	return nil
}

// Test 运行所有测试
func Test() error {
	fmt.Println("🧪 运行测试...")
	return sh.RunV("go", "test", "./pkg/...", "./cmd/...", "-timeout=5m")
}

// TestRace 启用竞态检测运行测试
func TestRace() error {
	fmt.Println("🏁 运行竞态检测...")
	return sh.RunV("go", "test", "-race", "./pkg/...", "./cmd/...", "-timeout=10m")
}

// TestRedis 针对 docker 中的 Redis 运行存储相关测试
func TestRedis() error {
	if !isRedisRunning() {
		return fmt.Errorf("Redis 未运行，请先执行 mage docker:env")
	}
	env := map[string]string{"REDIS_ADDR": "localhost:6379"}
	return sh.RunWithV(env, "go", "test", "-v", "./pkg/lock/...", "./pkg/session/...", "./pkg/ratelimit/...")
}

type Docker mg.Namespace

// Env 启动基础环境服务 (redis, influxdb)
func (Docker) Env() error {
	fmt.Println("🚀 启动基础环境服务 (redis, influxdb)...")
	if err := sh.RunV("docker", "run", "-d", "--rm", "--name", composeProject+"-redis", "-p", "6379:6379", "redis:7-alpine"); err != nil {
		return err
	}
	return sh.RunV("docker", "run", "-d", "--rm", "--name", composeProject+"-influxdb", "-p", "8086:8086",
		"-e", "DOCKER_INFLUXDB_INIT_MODE=setup",
		"-e", "DOCKER_INFLUXDB_INIT_USERNAME=admin",
		"-e", "DOCKER_INFLUXDB_INIT_PASSWORD=dev_influx_pass",
		"-e", "DOCKER_INFLUXDB_INIT_ORG=vocabquiz",
		"-e", "DOCKER_INFLUXDB_INIT_BUCKET=quiz",
		"-e", "DOCKER_INFLUXDB_INIT_ADMIN_TOKEN=dev-token",
		"influxdb:2.7")
}

// Down 停止基础环境服务
func (Docker) Down() error {
	fmt.Println("🛑 停止基础环境服务...")
	for _, name := range []string{composeProject + "-redis", composeProject + "-influxdb"} {
		if err := sh.Run("docker", "stop", name); err != nil {
			fmt.Printf("警告: 无法停止 %s: %v\n", name, err)
		}
	}
	return nil
}

// Clean 清理构建产物
func Clean() error {
	fmt.Println("🧹 清理构建产物...")

	if err := os.MkdirAll("./dist", 0755); err != nil {
		return fmt.Errorf("创建 dist 目录失败: %v", err)
	}

	files, err := filepath.Glob("./dist/*")
	if err != nil {
		return fmt.Errorf("查找文件失败: %v", err)
	}
	for _, file := range files {
		if err := os.Remove(file); err != nil {
			fmt.Printf("警告: 无法删除文件 %s: %v\n", file, err)
		}
	}

	if err := os.RemoveAll("./reports"); err != nil && !os.IsNotExist(err) {
		fmt.Printf("警告: 清理报告目录失败: %v\n", err)
	}
	return nil
}

// Lint 检查格式并运行 go vet
func Lint() error {
	fmt.Println("🔍 运行代码检查...")

	output, err := exec.Command("gofmt", "-l", ".").CombinedOutput()
	if err != nil {
		return fmt.Errorf("gofmt 检查失败: %v", err)
	}
	if len(output) > 0 {
		fmt.Printf("以下文件格式不正确，正在修复:\n%s\n", string(output))
		if err := sh.Run("gofmt", "-w", "."); err != nil {
			return fmt.Errorf("自动修复失败: %v", err)
		}
	}

	return sh.RunV("go", "vet", "./...")
}

// Coverage 生成测试覆盖率报告
func Coverage() error {
	fmt.Println("📈 生成测试覆盖率报告...")

	if err := os.MkdirAll("./reports", 0755); err != nil {
		return fmt.Errorf("创建报告目录失败: %v", err)
	}

	if err := sh.RunV("go", "test", "./pkg/...", "-coverprofile=./reports/coverage.out", "-covermode=atomic"); err != nil {
		return fmt.Errorf("生成覆盖率失败: %v", err)
	}
	if err := sh.Run("go", "tool", "cover", "-html=./reports/coverage.out", "-o", "./reports/coverage.html"); err != nil {
		return fmt.Errorf("生成HTML报告失败: %v", err)
	}
	if err := sh.RunV("go", "tool", "cover", "-func=./reports/coverage.out"); err != nil {
		return fmt.Errorf("显示覆盖率失败: %v", err)
	}

	fmt.Println("   详细报告: file://" + getAbsolutePath("./reports/coverage.html"))
	return nil
}

func isRedisRunning() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "exec", composeProject+"-redis", "redis-cli", "ping")
	return cmd.Run() == nil
}

func getAbsolutePath(relativePath string) string {
	absPath, err := filepath.Abs(relativePath)
	if err != nil {
		return relativePath
	}
	return absPath
}
