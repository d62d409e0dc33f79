// Package cache — key/value кэш с TTL, тегами и ограничением по памяти.
//
// Manager работает в одном из двух режимов:
//   - локально (store == nil): записи в памяти процесса;
//   - через Redis: записи общие для всех воркеров, истечение — по TTL Redis.
//
// # Ключи
//
// Полный ключ: <prefix>:<namespace>:<key>, namespace по умолчанию "default".
// Тег — множество полных ключей <prefix>#tag:<tag>. Служебные ключи
// начинаются с <prefix>#, поэтому любой namespace (в том числе "tag")
// безопасен. InvalidateTag удаляет только ключи, зарегистрированные под
// этим тегом в данный момент: перезапись ключа с другими тегами снимает
// его со старых.
//
// Значения кодируются в JSON в обоих режимах, поэтому Get возвращает
// одинаковые типы (map[string]any, []any, float64, ...) независимо от
// хранилища. GetAs декодирует значение в конкретный тип.
//
// # Вытеснение
//
// Только в локальном режиме. Когда оценка занимаемой памяти
// (ключ + JSON значения + теги) превышает MaxMemoryBytes, вытесняется
// четверть записей с самым ранним expires_at. Это приближение, а не LRU:
// порядок определяется близостью к истечению, а не давностью доступа.
//
// # Ошибки хранилища
//
// Ошибки Redis логируются и деградируют в промах (Get), false (Set, Delete)
// или 0 (InvalidateTag).
package cache
