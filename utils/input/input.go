package input

import (
	"context"
	"fmt"
	"os"

	"git.fiblab.net/general/common/v2/mongoutil"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/entity"
	"github.com/tsinghua-fib-lab/agentsociety-tsc/utils/config"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gopkg.in/yaml.v2"
)

// tableFile 路口信控表文件
type tableFile struct {
	Intersections []config.Intersection `yaml:"intersections"`
}

// Intersections 加载路口信控表
// 功能：按优先级依次尝试配置内联表、信控表文件、MongoDB集合
// 参数：c-配置对象
// 返回：路口信控表（顺序即动作向量中路口的顺序）；没有任何来源时返回ErrInvalidConfig
// 说明：此处只负责加载，与仿真拓扑的一致性在路口管理器初始化时校验
func Intersections(ctx context.Context, c config.Config) ([]config.Intersection, error) {
	switch {
	case len(c.Intersections) > 0:
		log.Infof("use %d intersections from config", len(c.Intersections))
		return c.Intersections, nil
	case c.Input.File != "":
		return fromFile(c.Input.File)
	case c.Input.URI != "" && c.Input.Intersections != nil:
		client := mongoutil.NewClient(c.Input.URI)
		defer client.Disconnect(context.Background())
		return fromMongo(ctx, mongoutil.GetMongoColl(client, *c.Input.Intersections), *c.Input.Intersections)
	default:
		return nil, entity.ConfigError("no intersection table: set intersections, input.file or input.uri + input.intersections")
	}
}

// fromFile 从YAML文件读取信控表
func fromFile(path string) ([]config.Intersection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read intersection table: %w", err)
	}
	var t tableFile
	if err := yaml.UnmarshalStrict(data, &t); err != nil {
		return nil, entity.ConfigError("intersection table %s: %v", path, err)
	}
	if len(t.Intersections) == 0 {
		return nil, entity.ConfigError("intersection table %s is empty", path)
	}
	log.Infof("load %d intersections from %s", len(t.Intersections), path)
	return t.Intersections, nil
}

// fromMongo 从MongoDB集合读取信控表，每个文档一个路口，按id排序
func fromMongo(ctx context.Context, coll *mongo.Collection, path config.InputPath) ([]config.Intersection, error) {
	log.Infof("start fetching from %s.%s", path.DB, path.Col)
	cursor, err := coll.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("query %s.%s: %w", path.DB, path.Col, err)
	}
	defer cursor.Close(ctx)
	var res []config.Intersection
	if err := cursor.All(ctx, &res); err != nil {
		return nil, fmt.Errorf("decode %s.%s: %w", path.DB, path.Col, err)
	}
	if len(res) == 0 {
		return nil, entity.ConfigError("intersection collection %s.%s is empty", path.DB, path.Col)
	}
	log.Infof("finish fetching %d intersections from %s.%s", len(res), path.DB, path.Col)
	return res, nil
}
