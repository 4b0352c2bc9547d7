package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// FetchFields 提供制品 URL 与命中状态字段，供缓存读取日志复用。
func FetchFields(url string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"action":    "fetch_artifact",
		"url":       url,
		"cache_hit": cacheHit,
	}
}

// CallFields 描述一次 RPC 调用，id 与 kind 是排查超时的关键字段。
func CallFields(id uint64, kind string) logrus.Fields {
	return logrus.Fields{
		"action":  "rpc_call",
		"call_id": id,
		"kind":    kind,
	}
}
