package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/chenyang-zz/marketcore/internal/api"
	"github.com/chenyang-zz/marketcore/internal/app"
	"github.com/chenyang-zz/marketcore/internal/domain/ledger"
	"github.com/chenyang-zz/marketcore/internal/domain/models"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/config"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/logger"
	"github.com/chenyang-zz/marketcore/internal/infrastructure/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// cli 子命令共享的全局参数
type cli struct {
	configPath string
	cfg        *config.Config
}

func rootCmd() *cobra.Command {
	c := &cli{}

	cmd := &cobra.Command{
		Use:           "marketcore",
		Short:         "服务市场订单与账本引擎",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup()
		},
	}
	cmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "配置文件路径（默认 ~/.marketcore/config.yaml）")

	cmd.AddCommand(
		c.serveCmd(),
		c.migrateCmd(),
		c.reconcileCmd(),
		c.balanceCmd(),
		c.catalogCmd(),
		c.tokenCmd(),
		versionCmd(),
	)
	return cmd
}

// setup 加载配置并按配置初始化日志
func (c *cli) setup() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg

	lc := cfg.Logging
	return logger.Replace(logger.Options{
		Env:        cfg.Application.Env,
		Level:      lc.Level,
		FilePath:   lc.File.Path,
		MaxSizeMB:  lc.File.MaxSizeMB,
		MaxBackups: lc.File.MaxBackups,
		MaxAgeDays: lc.File.MaxAgeDays,
		Compress:   lc.File.Compress,
	})
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, c.cfg)
			if err != nil {
				logger.Error("应用初始化失败", zap.Error(err))
				return err
			}
			return a.Run(ctx)
		},
	}
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "执行数据库迁移",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := app.OpenDB(c.cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "数据库已迁移到版本 %d: %s\n",
				storage.MigrationCount(), c.cfg.Storage.SQLite.Path)
			return nil
		},
	}
}

// withStore 打开数据库与缓存，执行 fn 后释放
func (c *cli) withStore(ctx context.Context, fn func(*ledger.Store) error) error {
	db, err := app.OpenDB(c.cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	bc, err := app.NewCache(ctx, c.cfg.Cache)
	if err != nil {
		return err
	}
	defer bc.Close()

	return fn(ledger.NewStore(db, bc, nil))
}

func (c *cli) reconcileCmd() *cobra.Command {
	var repair bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "比对物化余额与分录重算结果",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(store *ledger.Store) error {
				drifts, err := store.Reconcile(cmd.Context())
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if len(drifts) == 0 {
					fmt.Fprintln(out, "余额一致")
					return nil
				}
				for _, d := range drifts {
					fmt.Fprintf(out, "user=%d materialized=%d recomputed=%d\n", d.UserID, d.Materialized, d.Recomputed)
					if !repair {
						continue
					}
					snap, err := store.Repair(cmd.Context(), d.UserID)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "  已修复 balance=%d version=%d\n", snap.Balance, snap.Version)
				}
				if !repair {
					return fmt.Errorf("发现 %d 个余额不一致", len(drifts))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "用分录重算结果覆盖物化余额")
	return cmd
}

func (c *cli) balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user-id>",
		Short: "查询用户余额",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("无效的用户 ID %q: %w", args[0], err)
			}
			return c.withStore(cmd.Context(), func(store *ledger.Store) error {
				snap, err := store.Balance(cmd.Context(), userID)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			})
		},
	}
}

// catalogFile 服务目录导入文件
type catalogFile struct {
	Services []models.Service `yaml:"services"`
}

// loadCatalog 读取并校验服务目录文件
func loadCatalog(path string) ([]models.Service, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取服务目录失败: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("解析服务目录失败: %w", err)
	}

	seen := make(map[int64]bool, len(file.Services))
	for i, s := range file.Services {
		switch {
		case s.ID <= 0:
			return nil, fmt.Errorf("第 %d 个服务: id 必须大于 0", i+1)
		case seen[s.ID]:
			return nil, fmt.Errorf("服务 %d 重复", s.ID)
		case s.VendorID <= 0:
			return nil, fmt.Errorf("服务 %d: vendor_id 必须大于 0", s.ID)
		case s.Title == "":
			return nil, fmt.Errorf("服务 %d: title 不能为空", s.ID)
		case s.Price < 0:
			return nil, fmt.Errorf("服务 %d: price 不能为负", s.ID)
		}
		seen[s.ID] = true
	}
	return file.Services, nil
}

func (c *cli) catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "服务目录管理",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <services.yaml>",
		Short: "从 YAML 导入或更新服务",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := loadCatalog(args[0])
			if err != nil {
				return err
			}

			db, err := app.OpenDB(c.cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := storage.NewSQLiteCatalogRepository(db).UpsertServices(cmd.Context(), list); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "已导入 %d 个服务\n", len(list))
			return nil
		},
	})
	return cmd
}

func (c *cli) tokenCmd() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <user-id> <customer|vendor|admin>",
		Short: "签发访问令牌（本地调试用）",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || userID <= 0 {
				return fmt.Errorf("无效的用户 ID %q", args[0])
			}
			role := models.Role(args[1])
			if !role.Valid() || role == models.RoleSystem {
				return fmt.Errorf("无效的角色 %q", args[1])
			}
			if c.cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret 未配置")
			}

			tok, err := api.IssueToken(c.cfg.Auth.JWTSecret, c.cfg.Auth.Issuer, userID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "令牌有效期")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "打印版本信息",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "marketcore %s (build: %s)\n", Version, BuildTime)
		},
	}
}
