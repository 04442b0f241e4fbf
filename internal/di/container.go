package di

import (
	"sync"

	"go.uber.org/dig"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/aihub/docqa/internal/config"
)

// Container 是依赖注入容器的全局实例
var Container *dig.Container

// InitContainer 初始化依赖注入容器
func InitContainer() *dig.Container {
	Container = dig.New()
	return Container
}

// GetContainer 获取依赖注入容器实例
func GetContainer() *dig.Container {
	return Container
}

// Invoke 封装dig.Invoke，提供更友好的接口
func Invoke(function interface{}, opts ...dig.InvokeOption) error {
	return Container.Invoke(function, opts...)
}

// Provide 封装dig.Provide，提供更友好的接口
func Provide(constructor interface{}, opts ...dig.ProvideOption) error {
	return Container.Provide(constructor, opts...)
}

// Build 创建容器并注册全部提供者
func Build(cfg *config.Config, log *zap.Logger) (*dig.Container, *Cleanup, error) {
	container := InitContainer()
	cleanup := &Cleanup{}
	if err := RegisterProviders(container, cfg, log, cleanup); err != nil {
		return nil, cleanup, err
	}
	return container, cleanup, nil
}

// Cleanup 收集需要在退出时释放的资源，按注册的逆序关闭
type Cleanup struct {
	mu    sync.Mutex
	funcs []func() error
}

// Add 注册释放函数
func (c *Cleanup) Add(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funcs = append(c.funcs, fn)
}

// Run 依次执行释放函数，返回合并后的错误
func (c *Cleanup) Run() error {
	c.mu.Lock()
	funcs := c.funcs
	c.funcs = nil
	c.mu.Unlock()

	var err error
	for i := len(funcs) - 1; i >= 0; i-- {
		err = multierr.Append(err, funcs[i]())
	}
	return err
}
